package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cycleDuration  prometheus.Histogram
	availablePower prometheus.Gauge
	decisionsTotal *prometheus.CounterVec
	switchFailures *prometheus.CounterVec
	cycleErrors    prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Histogram, prometheus.Gauge, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter) {
	dur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ems_cycle_duration_seconds",
		Help:    "Duration of a control cycle",
		Buckets: prometheus.DefBuckets,
	})
	avail := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ems_available_power_watts",
		Help: "Power budget computed for the last cycle",
	})
	dec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ems_decisions_total",
		Help: "Decisions requesting a relay transition",
	}, []string{"via", "action"})
	fail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ems_switch_failures_total",
		Help: "Failed relay transitions",
	}, []string{"device_id"})
	cerr := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ems_cycle_errors_total",
		Help: "Control cycles aborted by an error",
	})
	return dur, avail, dec, fail, cerr
}

func init() {
	cycleDuration, availablePower, decisionsTotal, switchFailures, cycleErrors = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers the arbitrator metrics on the provided
// registry. If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(cycleDuration, availablePower, decisionsTotal, switchFailures, cycleErrors)
}

// ResetMetrics reinitializes the collectors for tests and registers them on
// reg if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	cycleDuration, availablePower, decisionsTotal, switchFailures, cycleErrors = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
