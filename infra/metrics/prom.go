package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/ems/core/metrics"
	"github.com/kilianp07/ems/core/model"
)

// PromSink exposes energy flows, device states and decisions as
// Prometheus metrics.
type PromSink struct {
	power     *prometheus.GaugeVec
	soc       prometheus.Gauge
	switched  prometheus.Counter
	decisions *prometheus.CounterVec
	deviceOn  *prometheus.GaugeVec
	runtime   *prometheus.GaugeVec
}

// NewPromSink registers the metrics on the default Prometheus registerer.
// The HTTP endpoint is served separately by StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ems_power_watts",
			Help: "Measured power per energy flow",
		}, []string{"flow"}),
		soc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ems_battery_soc_percent",
			Help: "Battery state of charge",
		}),
		switched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ems_switches_total",
			Help: "Relay transitions applied successfully",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_decision_events_total",
			Help: "Device decisions requesting a transition",
		}, []string{"device_id", "via", "action", "applied"}),
		deviceOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ems_device_on",
			Help: "Observed relay state (1 on, 0 off, -1 unknown)",
		}, []string{"device_id", "priority"}),
		runtime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ems_device_runtime_minutes",
			Help: "Minutes since the device was switched on",
		}, []string{"device_id"}),
	}
	var err error
	if s.power, err = register(reg, s.power); err != nil {
		return nil, err
	}
	if s.soc, err = register(reg, s.soc); err != nil {
		return nil, err
	}
	if s.switched, err = register(reg, s.switched); err != nil {
		return nil, err
	}
	if s.decisions, err = register(reg, s.decisions); err != nil {
		return nil, err
	}
	if s.deviceOn, err = register(reg, s.deviceOn); err != nil {
		return nil, err
	}
	if s.runtime, err = register(reg, s.runtime); err != nil {
		return nil, err
	}
	return s, nil
}

// register returns the already registered collector when one with the
// same descriptor exists.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordCycle updates the energy gauges and the switch counter.
func (s *PromSink) RecordCycle(rec coremetrics.CycleRecord) error {
	snap := rec.Snapshot
	s.power.WithLabelValues("pv").Set(snap.PVPower)
	s.power.WithLabelValues("grid").Set(snap.GridPower)
	s.power.WithLabelValues("battery").Set(snap.BatteryPower)
	s.power.WithLabelValues("house").Set(snap.HouseConsumption)
	s.soc.Set(snap.BatterySoC)
	s.switched.Add(float64(rec.Switched))
	return nil
}

// RecordDecisions counts the decisions that request a transition.
func (s *PromSink) RecordDecisions(recs []coremetrics.DecisionRecord) error {
	for _, r := range recs {
		if r.Action == model.ActionNoChange {
			continue
		}
		s.decisions.WithLabelValues(r.DeviceID, string(r.Via), r.Action.String(), strconv.FormatBool(r.Applied)).Inc()
	}
	return nil
}

// RecordDeviceState sets the per-device gauges.
func (s *PromSink) RecordDeviceState(ev coremetrics.DeviceStateEvent) error {
	d := ev.Device
	v := -1.0
	if d.State.Known() {
		v = 0
		if d.IsOn() {
			v = 1
		}
	}
	s.deviceOn.WithLabelValues(d.ID, d.Priority.String()).Set(v)
	s.runtime.WithLabelValues(d.ID).Set(float64(d.CurrentRuntime))
	return nil
}
