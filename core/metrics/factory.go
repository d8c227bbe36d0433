package metrics

import (
	"fmt"

	"github.com/kilianp07/ems/core/factory"
)

var sinkRegistry = factory.NewRegistry[MetricsSink]()

// RegisterMetricsSink adds a metrics sink factory identified by name.
func RegisterMetricsSink(name string, f factory.Factory[MetricsSink]) error {
	return sinkRegistry.Register(name, f)
}

// NewMetricsSink builds the configured sinks. Nop entries are dropped, and a
// failing entry releases the sinks built before it.
func NewMetricsSink(cfgs []factory.ModuleConfig) (MetricsSink, error) {
	sinks := make([]MetricsSink, 0, len(cfgs))
	for i, c := range cfgs {
		s, err := sinkRegistry.Create(c)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("metrics.sinks[%d]: %w", i, err)
		}
		if _, nop := s.(NopSink); nop {
			continue
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return NewMultiSink(sinks...), nil
	}
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close()
}

// Close releases s when it holds resources.
func Close(s MetricsSink) {
	if c, ok := s.(Closer); ok {
		c.Close()
	}
}

func closeSinks(sinks []MetricsSink) {
	for _, s := range sinks {
		Close(s)
	}
}
