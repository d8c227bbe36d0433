package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/model"
)

// Type selects the evaluation variant of a schedule.
type Type string

const (
	TypeTimeWindow  Type = "time_window"
	TypeTimeBlock   Type = "time_block"
	TypeConditional Type = "conditional"
)

// Action is what a schedule asks for a device.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionForceOn  Action = "force_on"
	ActionForceOff Action = "force_off"
)

// rank orders actions for conflict resolution.
func (a Action) rank() int {
	switch a {
	case ActionForceOff:
		return 2
	case ActionForceOn:
		return 1
	default:
		return 0
	}
}

func (a Action) valid() bool {
	return a == ActionAllow || a == ActionForceOn || a == ActionForceOff
}

// TimeOfDay is a wall-clock time with minute resolution, encoded as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustTime is ParseTimeOfDay for literals.
func MustTime(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// seconds returns the offset from midnight.
func (t TimeOfDay) seconds() int { return t.Hour*3600 + t.Minute*60 }

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TimeWindow is a daily window restricted to a set of weekdays
// (0 = Monday ... 6 = Sunday). A window whose start lies after its end wraps
// midnight.
type TimeWindow struct {
	Start TimeOfDay `json:"start_time"`
	End   TimeOfDay `json:"end_time"`
	Days  []int     `json:"days"`
}

// Operator compares a snapshot value with a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Condition is one predicate over the energy snapshot.
type Condition struct {
	Parameter string   `json:"parameter"`
	Operator  Operator `json:"operator"`
	Value     float64  `json:"value"`
}

// Schedule is a rule attached to one device.
type Schedule struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	DeviceID            string          `json:"device_id"`
	Type                Type            `json:"schedule_type"`
	Enabled             bool            `json:"enabled"`
	TimeWindow          *TimeWindow     `json:"time_window,omitempty"`
	Conditions          []Condition     `json:"conditions,omitempty"`
	ActionInWindow      Action          `json:"action_in_window"`
	ActionOutsideWindow Action          `json:"action_outside_window"`
	OverridePriority    bool            `json:"override_priority"`
	PriorityInWindow    *model.Priority `json:"priority_in_window,omitempty"`
	Description         string          `json:"description,omitempty"`
	CreatedAt           *time.Time      `json:"created_at,omitempty"`
	LastModified        *time.Time      `json:"last_modified,omitempty"`
}

// UnmarshalJSON applies the document defaults: enabled and allow/allow.
func (s *Schedule) UnmarshalJSON(b []byte) error {
	type plain Schedule
	p := plain{Enabled: true, ActionInWindow: ActionAllow, ActionOutsideWindow: ActionAllow}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Schedule(p)
	return nil
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	c := s
	if s.TimeWindow != nil {
		tw := *s.TimeWindow
		tw.Days = append([]int(nil), s.TimeWindow.Days...)
		c.TimeWindow = &tw
	}
	c.Conditions = append([]Condition(nil), s.Conditions...)
	if s.PriorityInWindow != nil {
		p := *s.PriorityInWindow
		c.PriorityInWindow = &p
	}
	return c
}
