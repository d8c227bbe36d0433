// Package override tracks time-limited manual forcing of devices. Manual
// control always wins over schedules and the power budget.
package override

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/model"
)

// Mode is the manual control mode of a device.
type Mode string

const (
	// ModeAuto hands the device back to automatic control. It is never stored.
	ModeAuto      Mode = "auto"
	ModeManualOn  Mode = "manual_on"
	ModeManualOff Mode = "manual_off"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeManualOn, ModeManualOff:
		return Mode(s), nil
	default:
		return "", &model.ValidationError{Field: "mode", Msg: fmt.Sprintf("invalid mode %q: must be one of auto, manual_on, manual_off", s)}
	}
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Override is an active manual forcing of one device.
type Override struct {
	DeviceID  string     `json:"device_id"`
	Mode      Mode       `json:"mode"`
	SetBy     string     `json:"set_by"`
	SetAt     time.Time  `json:"set_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Expired reports whether the override deadline lies strictly before now.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Instruction is the forcing produced by an active override.
type Instruction struct {
	On     bool
	Reason string
	SetBy  string
	SetAt  time.Time
}

// Status is the externally visible override state of a device. Devices
// without an override report mode auto and Active=false.
type Status struct {
	DeviceID  string     `json:"device_id"`
	Mode      Mode       `json:"mode"`
	Active    bool       `json:"active"`
	SetBy     string     `json:"set_by,omitempty"`
	SetAt     *time.Time `json:"set_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Statistics summarises the active overrides.
type Statistics struct {
	Total      int            `json:"total_overrides"`
	ManualOn   int            `json:"manual_on"`
	ManualOff  int            `json:"manual_off"`
	WithExpiry int            `json:"with_expiry"`
	BySetter   map[string]int `json:"by_setter"`
}
