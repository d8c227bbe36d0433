package model

// Action is the outcome of a decision for one device.
type Action int

const (
	ActionNoChange Action = iota
	ActionOn
	ActionOff
)

func (a Action) String() string {
	switch a {
	case ActionOn:
		return "on"
	case ActionOff:
		return "off"
	default:
		return "no-change"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	switch string(b) {
	case "on":
		*a = ActionOn
	case "off":
		*a = ActionOff
	default:
		*a = ActionNoChange
	}
	return nil
}

// Via identifies the tier of the decision hierarchy that produced a decision.
type Via string

const (
	ViaOverride Via = "override"
	ViaSchedule Via = "schedule"
	ViaPriority Via = "priority"
	// ViaUnknown marks a device skipped because its state could not be read.
	ViaUnknown Via = "unknown"
)

// Decision is the arbitration result for one device in one cycle.
type Decision struct {
	DeviceID string   `json:"device_id"`
	Action   Action   `json:"action"`
	Target   bool     `json:"target"` // desired relay state
	Reason   string   `json:"reason"`
	Priority Priority `json:"priority"`
	Via      Via      `json:"via"`
}

// Changes reports whether the decision requires a relay transition.
func (d Decision) Changes() bool { return d.Action != ActionNoChange }

// Decide builds a decision for the desired state given the current one. A
// decision that would not change the relay state is reported as no-change.
func Decide(dev Device, target bool, via Via, prio Priority, reason string) Decision {
	d := Decision{DeviceID: dev.ID, Target: target, Reason: reason, Priority: prio, Via: via}
	switch {
	case !dev.State.Known():
		d.Action = ActionNoChange
	case target && !dev.IsOn():
		d.Action = ActionOn
	case !target && dev.IsOn():
		d.Action = ActionOff
	default:
		d.Action = ActionNoChange
	}
	return d
}
