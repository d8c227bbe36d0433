package scheduler

import (
	"fmt"

	"github.com/kilianp07/ems/core/model"
)

// Validate checks a schedule before it is accepted. Errors are
// *model.ValidationError.
func Validate(s Schedule) error {
	if len(s.ID) < 2 {
		return &model.ValidationError{Field: "id", Msg: "invalid schedule id"}
	}
	if len(s.Name) < 2 {
		return &model.ValidationError{Field: "name", Msg: "invalid schedule name"}
	}
	if s.DeviceID == "" {
		return &model.ValidationError{Field: "device_id", Msg: "device id required"}
	}
	switch s.Type {
	case TypeTimeWindow, TypeTimeBlock, TypeConditional:
	default:
		return &model.ValidationError{Field: "schedule_type", Msg: fmt.Sprintf("invalid schedule type %q", s.Type)}
	}
	if s.TimeWindow == nil {
		return &model.ValidationError{Field: "time_window", Msg: "time window required for this schedule type"}
	}
	if len(s.TimeWindow.Days) == 0 {
		return &model.ValidationError{Field: "time_window.days", Msg: "at least one day must be selected"}
	}
	for _, d := range s.TimeWindow.Days {
		if d < 0 || d > 6 {
			return &model.ValidationError{Field: "time_window.days", Msg: fmt.Sprintf("invalid day %d (must be 0-6)", d)}
		}
	}
	for _, t := range []TimeOfDay{s.TimeWindow.Start, s.TimeWindow.End} {
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			return &model.ValidationError{Field: "time_window", Msg: fmt.Sprintf("invalid time %s", t)}
		}
	}
	if s.Type == TypeConditional && len(s.Conditions) == 0 {
		return &model.ValidationError{Field: "conditions", Msg: "conditions required for conditional schedule"}
	}
	for _, c := range s.Conditions {
		if !c.Operator.valid() {
			return &model.ValidationError{Field: "conditions", Msg: fmt.Sprintf("invalid operator %q", c.Operator)}
		}
		if _, ok := (model.EnergySnapshot{}).Value(c.Parameter); !ok {
			return &model.ValidationError{Field: "conditions", Msg: fmt.Sprintf("unknown parameter %q", c.Parameter)}
		}
	}
	if !s.ActionInWindow.valid() {
		return &model.ValidationError{Field: "action_in_window", Msg: fmt.Sprintf("invalid action %q", s.ActionInWindow)}
	}
	if !s.ActionOutsideWindow.valid() {
		return &model.ValidationError{Field: "action_outside_window", Msg: fmt.Sprintf("invalid action %q", s.ActionOutsideWindow)}
	}
	if s.PriorityInWindow != nil && !s.PriorityInWindow.Valid() {
		return &model.ValidationError{Field: "priority_in_window", Msg: "invalid priority"}
	}
	return nil
}
