package metrics

// MultiSink fans records out to several sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordCycle forwards the record to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordCycle(rec CycleRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordCycle(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordDecisions forwards decisions to sinks that support them.
func (m *MultiSink) RecordDecisions(recs []DecisionRecord) error {
	for _, s := range m.Sinks {
		if dr, ok := s.(DecisionRecorder); ok {
			if err := dr.RecordDecisions(recs); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordDeviceState forwards device snapshots to sinks that support them.
func (m *MultiSink) RecordDeviceState(ev DeviceStateEvent) error {
	for _, s := range m.Sinks {
		if sr, ok := s.(DeviceStateRecorder); ok {
			if err := sr.RecordDeviceState(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases every sink that holds resources.
func (m *MultiSink) Close() { closeSinks(m.Sinks) }
