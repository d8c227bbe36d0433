package metrics

import (
	"time"

	"github.com/kilianp07/ems/core/model"
)

// CycleRecord summarises one control cycle.
type CycleRecord struct {
	CycleID   string
	Time      time.Time
	Snapshot  model.EnergySnapshot
	Duration  time.Duration
	Devices   int
	Decisions int // decisions requesting a transition
	Switched  int // transitions applied successfully
	Failed    bool
}

// MetricsSink records cycle results for observability purposes.
type MetricsSink interface {
	RecordCycle(rec CycleRecord) error
}

// DecisionRecord is one device decision.
type DecisionRecord struct {
	CycleID  string
	DeviceID string
	Action   model.Action
	Via      model.Via
	Priority model.Priority
	Applied  bool
	Time     time.Time
}

// DecisionRecorder is implemented by sinks able to record decisions.
type DecisionRecorder interface {
	RecordDecisions(recs []DecisionRecord) error
}

// DeviceStateEvent is the observed state of a device at the start of a
// cycle.
type DeviceStateEvent struct {
	Device model.Device
	Time   time.Time
}

// DeviceStateRecorder records device state snapshots.
type DeviceStateRecorder interface {
	RecordDeviceState(ev DeviceStateEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordCycle(CycleRecord) error            { return nil }
func (NopSink) RecordDecisions([]DecisionRecord) error   { return nil }
func (NopSink) RecordDeviceState(DeviceStateEvent) error { return nil }
