// Package priority distributes a power budget across devices by priority
// tier.
package priority

import (
	"fmt"

	"github.com/kilianp07/ems/core/model"
	"github.com/kilianp07/ems/core/registry"
)

// DefaultHysteresis is the margin in W added to a device's power before it
// may be switched on.
const DefaultHysteresis = 100.0

// Phase identifies the allocation step that decided a device.
type Phase string

const (
	PhaseCritical    Phase = "critical"
	PhaseScheduled   Phase = "scheduled"
	PhasePriority    Phase = "priority"
	PhasePassthrough Phase = "passthrough"
)

// Allocation is the verdict for one device.
type Allocation struct {
	DeviceID  string
	On        bool
	Phase     Phase
	Reason    string
	Debit     float64 // W taken from the budget
	Remaining float64 // budget left after this device
}

// Flags marks devices handled outside the budget or scheduled into phase 2.
type Flags struct {
	Scheduled  func(id string) bool
	Overridden func(id string) bool
}

func (f Flags) scheduled(id string) bool  { return f.Scheduled != nil && f.Scheduled(id) }
func (f Flags) overridden(id string) bool { return f.Overridden != nil && f.Overridden(id) }

// Allocator implements the tiered switching plan.
type Allocator struct {
	Hysteresis float64
}

// New returns an allocator; a negative hysteresis selects the default and
// zero disables the margin.
func New(hysteresis float64) Allocator {
	if hysteresis < 0 {
		hysteresis = DefaultHysteresis
	}
	return Allocator{Hysteresis: hysteresis}
}

// Grant applies the budget rule to a single device: on when the remaining
// budget covers power plus hysteresis, otherwise kept on while the minimum
// runtime has not elapsed, otherwise off.
func (a Allocator) Grant(d model.Device, remaining float64) Allocation {
	need := d.Power + a.Hysteresis
	if remaining >= need {
		return Allocation{
			DeviceID:  d.ID,
			On:        true,
			Phase:     PhasePriority,
			Debit:     d.Power,
			Remaining: remaining - d.Power,
			Reason:    fmt.Sprintf("priority %s: %.0fW available >= %.0fW needed", d.Priority, remaining, need),
		}
	}
	if d.IsOn() && d.CurrentRuntime < d.MinRuntime {
		return Allocation{
			DeviceID:  d.ID,
			On:        true,
			Phase:     PhasePriority,
			Remaining: remaining,
			Reason:    fmt.Sprintf("min runtime: %d/%d min", d.CurrentRuntime, d.MinRuntime),
		}
	}
	return Allocation{
		DeviceID:  d.ID,
		Phase:     PhasePriority,
		Remaining: remaining,
		Reason:    fmt.Sprintf("priority %s: %.0fW available < %.0fW needed", d.Priority, remaining, need),
	}
}

// Allocate runs the three phases over devs, given in registration order, and
// returns one allocation per device in decision order. Every phase walks the
// devices by tier, registration order breaking ties.
func (a Allocator) Allocate(available float64, devs []model.Device, flags Flags) []Allocation {
	devs = append([]model.Device(nil), devs...)
	registry.SortByPriority(devs)
	remaining := available
	out := make([]Allocation, 0, len(devs))
	done := make(map[string]bool, len(devs))

	for _, d := range devs {
		if !d.CanControl || flags.overridden(d.ID) {
			out = append(out, Allocation{DeviceID: d.ID, On: d.IsOn(), Phase: PhasePassthrough, Remaining: remaining, Reason: "not under automatic control"})
			done[d.ID] = true
		}
	}

	for _, d := range devs {
		if done[d.ID] || d.Priority != model.PriorityCritical {
			continue
		}
		var debit float64
		if !d.IsOn() {
			debit = d.Power
		}
		remaining -= debit
		out = append(out, Allocation{DeviceID: d.ID, On: true, Phase: PhaseCritical, Debit: debit, Remaining: remaining, Reason: "critical device"})
		done[d.ID] = true
	}

	for _, d := range devs {
		if done[d.ID] || !flags.scheduled(d.ID) {
			continue
		}
		need := d.Power + a.Hysteresis
		al := Allocation{DeviceID: d.ID, Phase: PhaseScheduled}
		if remaining >= need {
			al.On = true
			al.Debit = d.Power
			remaining -= d.Power
			al.Reason = fmt.Sprintf("in schedule: %.0fW >= %.0fW", remaining+d.Power, need)
		} else {
			al.Reason = fmt.Sprintf("in schedule: %.0fW < %.0fW", remaining, need)
		}
		al.Remaining = remaining
		out = append(out, al)
		done[d.ID] = true
	}

	for _, d := range devs {
		if done[d.ID] {
			continue
		}
		al := a.Grant(d, remaining)
		remaining = al.Remaining
		out = append(out, al)
	}
	return out
}

// CalculateSwitchingPlan returns the desired on/off state per device id.
func (a Allocator) CalculateSwitchingPlan(available float64, devs []model.Device, flags Flags) map[string]bool {
	plan := make(map[string]bool, len(devs))
	for _, al := range a.Allocate(available, devs, flags) {
		plan[al.DeviceID] = al.On
	}
	return plan
}
