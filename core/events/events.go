// Package events defines what the arbitrator publishes on the event bus.
//
// Available event types:
//   - CycleEvent: summary of one control cycle
//   - DecisionEvent: one device decision and whether it was applied
package events

import (
	"time"

	"github.com/kilianp07/ems/core/model"
)

// Event is implemented by every bus event.
type Event interface {
	EventTime() time.Time
}

// CycleEvent is published once a control cycle has completed.
type CycleEvent struct {
	CycleID   string
	Time      time.Time
	Snapshot  model.EnergySnapshot
	Decisions []model.Decision
	Duration  time.Duration
	Err       error
}

func (e CycleEvent) EventTime() time.Time { return e.Time }

// DecisionEvent is published for every decision that requested a
// transition.
type DecisionEvent struct {
	CycleID  string
	Time     time.Time
	Decision model.Decision
	Applied  bool
	Err      error
}

func (e DecisionEvent) EventTime() time.Time { return e.Time }
