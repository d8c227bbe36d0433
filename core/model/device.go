package model

import (
	"fmt"
	"time"
)

// DeviceState is the last observed relay state of a device.
type DeviceState int

const (
	StateUnknown DeviceState = iota
	StateOff
	StateOn
)

func (s DeviceState) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOff:
		return "off"
	default:
		return "unknown"
	}
}

// Known reports whether the state was actually read from the device.
func (s DeviceState) Known() bool { return s == StateOn || s == StateOff }

// StateFromBool maps a boolean relay state.
func StateFromBool(on bool) DeviceState {
	if on {
		return StateOn
	}
	return StateOff
}

// Device is a controllable load known to the arbitrator.
type Device struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Power      float64  `json:"power" yaml:"power"` // rated power in W
	Priority   Priority `json:"priority" yaml:"priority"`
	CanControl bool     `json:"can_control" yaml:"can_control"`
	MinRuntime int      `json:"min_runtime" yaml:"min_runtime"` // minutes

	// SGReady marks a heat pump driven through two relays. Relays holds the
	// relay identifiers in (signal, forced) order.
	SGReady bool     `json:"sg_ready,omitempty" yaml:"sg_ready,omitempty"`
	Relays  []string `json:"relays,omitempty" yaml:"relays,omitempty"`

	Room     string `json:"room,omitempty" yaml:"room,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`

	// Runtime fields maintained by the arbitrator.
	CurrentRuntime int         `json:"current_runtime"` // minutes spent on
	State          DeviceState `json:"-"`
	OnSince        time.Time   `json:"-"`
}

// IsOn reports whether the last known state is on.
func (d Device) IsOn() bool { return d.State == StateOn }

// Validate checks the static configuration of the device.
func (d Device) Validate() error {
	if d.ID == "" {
		return &ValidationError{Field: "id", Msg: "device id required"}
	}
	if d.Power < 0 {
		return &ValidationError{Field: "power", Msg: fmt.Sprintf("power must be >= 0, got %.1f", d.Power)}
	}
	if !d.Priority.Valid() {
		return &ValidationError{Field: "priority", Msg: "invalid priority"}
	}
	if d.MinRuntime < 0 {
		return &ValidationError{Field: "min_runtime", Msg: "min_runtime must be >= 0"}
	}
	if d.SGReady && len(d.Relays) != 2 {
		return &ValidationError{Field: "relays", Msg: "sg_ready devices need exactly two relays"}
	}
	return nil
}
