package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/kilianp07/ems/core/model"
)

// Outcome is the contribution of a single schedule to a device decision.
type Outcome struct {
	ScheduleID string
	Action     Action
	Reason     string
	InWindow   bool
}

type evalFunc func(s Schedule, now time.Time, snap model.EnergySnapshot) (Outcome, bool)

var evaluators = map[Type]evalFunc{
	TypeTimeWindow:  evalTimeWindow,
	TypeTimeBlock:   evalTimeBlock,
	TypeConditional: evalConditional,
}

// Evaluate runs the variant evaluator of s. The boolean is false when the
// schedule yields no decision at all.
func Evaluate(s Schedule, now time.Time, snap model.EnergySnapshot) (Outcome, bool) {
	if !s.Enabled || s.TimeWindow == nil {
		return Outcome{}, false
	}
	fn, ok := evaluators[s.Type]
	if !ok {
		return Outcome{}, false
	}
	out, ok := fn(s, now, snap)
	out.ScheduleID = s.ID
	return out, ok
}

func evalTimeWindow(s Schedule, now time.Time, _ model.EnergySnapshot) (Outcome, bool) {
	if s.TimeWindow.Contains(now) {
		return Outcome{Action: s.ActionInWindow, InWindow: true, Reason: fmt.Sprintf("schedule %s: in window", label(s))}, true
	}
	return Outcome{Action: s.ActionOutsideWindow, Reason: fmt.Sprintf("schedule %s: outside window", label(s))}, true
}

func evalTimeBlock(s Schedule, now time.Time, _ model.EnergySnapshot) (Outcome, bool) {
	if !s.TimeWindow.Contains(now) {
		return Outcome{}, false
	}
	return Outcome{Action: ActionForceOff, InWindow: true, Reason: fmt.Sprintf("schedule %s: blocked", label(s))}, true
}

func evalConditional(s Schedule, now time.Time, snap model.EnergySnapshot) (Outcome, bool) {
	if !s.TimeWindow.Contains(now) {
		return Outcome{Action: s.ActionOutsideWindow, Reason: fmt.Sprintf("schedule %s: outside window", label(s))}, true
	}
	for _, c := range s.Conditions {
		if !c.Holds(snap) {
			return Outcome{
				Action:   ActionForceOff,
				InWindow: true,
				Reason:   fmt.Sprintf("schedule %s: condition %s %s %g not met", label(s), c.Parameter, c.Operator, c.Value),
			}, true
		}
	}
	return Outcome{Action: s.ActionInWindow, InWindow: true, Reason: fmt.Sprintf("schedule %s: conditions met", label(s))}, true
}

func label(s Schedule) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Result is the combined schedule verdict for a device.
type Result struct {
	Action           Action
	Reason           string
	ScheduleID       string
	OverridePriority bool
	PriorityInWindow model.Priority
}

// Combine merges the outcomes of all enabled schedules of a device. The
// strongest action wins (force_off > force_on > allow). A priority override
// is taken from schedules whose window is active and whose outcome does not
// force the device off; the most important tier wins.
func Combine(schedules []Schedule, now time.Time, snap model.EnergySnapshot) Result {
	sorted := append([]Schedule(nil), schedules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	res := Result{Action: ActionAllow, Reason: "no active schedule"}
	matched := false
	for _, s := range sorted {
		out, ok := Evaluate(s, now, snap)
		if !ok {
			continue
		}
		if !matched || out.Action.rank() > res.Action.rank() {
			res.Action = out.Action
			res.Reason = out.Reason
			res.ScheduleID = out.ScheduleID
			matched = true
		}
		if out.InWindow && out.Action != ActionForceOff && s.OverridePriority && s.PriorityInWindow != nil {
			if !res.OverridePriority || *s.PriorityInWindow < res.PriorityInWindow {
				res.OverridePriority = true
				res.PriorityInWindow = *s.PriorityInWindow
			}
		}
	}
	return res
}
