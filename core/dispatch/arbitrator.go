// Package dispatch runs the control cycle: it reads the energy snapshot,
// computes the power budget and decides every controllable device through
// the override, schedule and priority tiers before switching relays.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/dispatch/logging"
	"github.com/kilianp07/ems/core/energy"
	"github.com/kilianp07/ems/core/events"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/metrics"
	"github.com/kilianp07/ems/core/model"
	"github.com/kilianp07/ems/core/monitoring"
	"github.com/kilianp07/ems/core/override"
	"github.com/kilianp07/ems/core/priority"
	"github.com/kilianp07/ems/core/registry"
	"github.com/kilianp07/ems/core/scheduler"
	"github.com/kilianp07/ems/internal/eventbus"
)

// Deps groups the collaborators of the Arbitrator. Devices, Overrides,
// Schedules, Energy and Control are required.
type Deps struct {
	Devices   *registry.Registry
	Overrides *override.Resolver
	Schedules *scheduler.Manager
	Energy    EnergyProvider
	Control   DeviceController

	Clock   clock.Clock
	Logger  logger.Logger
	Metrics metrics.MetricsSink
	Bus     *eventbus.Bus[events.Event]
	Store   logging.LogStore
	Monitor monitoring.Monitor
}

// CycleResult is the outcome of one control cycle.
type CycleResult struct {
	CycleID   string
	Time      time.Time
	Snapshot  model.EnergySnapshot
	Decisions []model.Decision
	Errors    map[string]error
	Duration  time.Duration
}

// Arbitrator owns the registries and serializes control cycles against
// administrative mutations.
type Arbitrator struct {
	mu sync.Mutex

	cfg       Config
	devices   *registry.Registry
	overrides *override.Resolver
	schedules *scheduler.Manager
	alloc     priority.Allocator
	smoother  *energy.Smoother
	energy    EnergyProvider
	control   DeviceController
	clock     clock.Clock
	log       logger.Logger
	metrics   metrics.MetricsSink
	bus       *eventbus.Bus[events.Event]
	store     logging.LogStore
	monitor   monitoring.Monitor

	last CycleResult
}

// New creates an Arbitrator.
func New(cfg Config, d Deps) (*Arbitrator, error) {
	if d.Devices == nil || d.Overrides == nil || d.Schedules == nil || d.Energy == nil || d.Control == nil {
		return nil, fmt.Errorf("dispatch: nil dependency provided to New")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NopSink{}
	}
	return &Arbitrator{
		cfg:       cfg,
		devices:   d.Devices,
		overrides: d.Overrides,
		schedules: d.Schedules,
		alloc:     priority.New(cfg.Margin()),
		smoother:  energy.NewSmoother(cfg.SmoothingWindow),
		energy:    d.Energy,
		control:   d.Control,
		clock:     d.Clock,
		log:       logger.OrNop(d.Logger),
		metrics:   d.Metrics,
		bus:       d.Bus,
		store:     d.Store,
		monitor:   monitoring.OrNop(d.Monitor),
	}, nil
}

// Config returns the effective configuration.
func (a *Arbitrator) Config() Config { return a.cfg }

// LastCycle returns the result of the most recent successful cycle.
func (a *Arbitrator) LastCycle() CycleResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Cycle runs one control cycle. Cancellation of ctx does not interrupt a
// cycle that has started; each I/O call is bounded by the configured
// timeout instead.
func (a *Arbitrator) Cycle(ctx context.Context) (CycleResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	start := a.clock.Now()
	res := CycleResult{CycleID: uuid.NewString(), Time: start, Errors: map[string]error{}}

	snap, err := a.snapshot(ctx)
	if err != nil {
		return res, &CycleError{CycleID: res.CycleID, Err: err}
	}
	avail := a.smoother.Add(energy.AvailablePower(snap, a.cfg.Margin(), a.cfg.SOCPolicy))
	res.Snapshot = snap.WithAvailable(avail)
	availablePower.Set(avail)
	a.log.Debugf("cycle %s: pv=%.0fW grid=%.0fW soc=%.0f%% available=%.0fW",
		res.CycleID, snap.PVPower, snap.GridPower, snap.BatterySoC, avail)

	devs := a.observe(ctx, start, res.Errors)
	res.Decisions = a.decideAll(devs, start, res.Snapshot)
	a.apply(ctx, &res)

	res.Duration = a.clock.Now().Sub(start)
	cycleDuration.Observe(res.Duration.Seconds())
	a.last = res
	a.record(ctx, res, len(devs))
	return res, nil
}

func (a *Arbitrator) snapshot(ctx context.Context) (model.EnergySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.IOTimeout)
	defer cancel()
	snap, err := a.energy.Snapshot(ctx)
	if err != nil {
		return model.EnergySnapshot{}, fmt.Errorf("energy snapshot: %w", err)
	}
	return snap, nil
}

// observe refreshes the state of every device in decision order. Read
// failures leave the device in unknown state.
func (a *Arbitrator) observe(ctx context.Context, now time.Time, errs map[string]error) []model.Device {
	devs := a.devices.Ordered()
	out := make([]model.Device, 0, len(devs))
	for _, d := range devs {
		state, err := a.status(ctx, d.ID)
		if err != nil {
			errs[d.ID] = err
			a.log.Warnf("device %s: %v", d.ID, err)
			state = model.StateUnknown
		}
		obs, oerr := a.devices.Observe(d.ID, state, now)
		if oerr != nil {
			continue
		}
		if rec, ok := a.metrics.(metrics.DeviceStateRecorder); ok {
			if err := rec.RecordDeviceState(metrics.DeviceStateEvent{Device: obs, Time: now}); err != nil {
				a.log.Errorf("device state metrics error: %v", err)
			}
		}
		out = append(out, obs)
	}
	return out
}

func (a *Arbitrator) status(ctx context.Context, id string) (model.DeviceState, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.IOTimeout)
	defer cancel()
	state, err := a.control.Status(ctx, id)
	if err != nil {
		return model.StateUnknown, &model.DeviceCommunicationError{DeviceID: id, Op: "status", Err: err}
	}
	if !state.Known() {
		return model.StateUnknown, &model.DeviceCommunicationError{DeviceID: id, Op: "status", Err: model.ErrUnknownState}
	}
	return state, nil
}

// decideAll resolves override and schedule verdicts first, then hands the
// remaining devices the budget ordered by their effective tier, so a
// schedule window raising a device's priority also moves it up the queue.
// Decisions keep the order of devs.
func (a *Arbitrator) decideAll(devs []model.Device, now time.Time, snap model.EnergySnapshot) []model.Decision {
	type queued struct {
		slot int
		dev  model.Device
	}
	out := make([]model.Decision, 0, len(devs))
	var queue []queued
	for _, d := range devs {
		if !d.CanControl {
			continue
		}
		if dec, ok := a.resolve(&d, now, snap); ok {
			out = append(out, dec)
			continue
		}
		queue = append(queue, queued{slot: len(out), dev: d})
		out = append(out, model.Decision{})
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].dev.Priority < queue[j].dev.Priority })

	remaining := snap.AvailablePower
	for _, q := range queue {
		out[q.slot] = a.grant(q.dev, &remaining)
	}
	return out
}

// resolve applies the override and schedule tiers. It reports false when
// neither yields a verdict, after setting the window priority on d if the
// active schedule substitutes one.
func (a *Arbitrator) resolve(d *model.Device, now time.Time, snap model.EnergySnapshot) (model.Decision, bool) {
	if !d.State.Known() {
		return model.Decision{DeviceID: d.ID, Action: model.ActionNoChange, Priority: d.Priority, Via: model.ViaUnknown, Reason: "state unknown, left as is"}, true
	}
	if inst, ok := a.overrides.CheckDecision(d.ID); ok {
		return model.Decide(*d, inst.On, model.ViaOverride, d.Priority, inst.Reason), true
	}

	sched := a.schedules.CheckDeviceSchedule(d.ID, now, snap)
	switch sched.Action {
	case scheduler.ActionForceOn:
		return model.Decide(*d, true, model.ViaSchedule, d.Priority, sched.Reason), true
	case scheduler.ActionForceOff:
		return model.Decide(*d, false, model.ViaSchedule, d.Priority, sched.Reason), true
	}
	if sched.OverridePriority {
		d.Priority = sched.PriorityInWindow
	}
	return model.Decision{}, false
}

// grant runs the priority tier against the budget carried across devices.
func (a *Arbitrator) grant(d model.Device, remaining *float64) model.Decision {
	if d.Priority == model.PriorityCritical {
		if !d.IsOn() {
			*remaining -= d.Power
		}
		return model.Decide(d, true, model.ViaPriority, d.Priority, "critical device")
	}
	al := a.alloc.Grant(d, *remaining)
	*remaining = al.Remaining
	return model.Decide(d, al.On, model.ViaPriority, d.Priority, al.Reason)
}

// apply switches the relays of the decisions that request a transition.
func (a *Arbitrator) apply(ctx context.Context, res *CycleResult) {
	for _, dec := range res.Decisions {
		if !dec.Changes() {
			continue
		}
		decisionsTotal.WithLabelValues(string(dec.Via), dec.Action.String()).Inc()
		a.log.Infof("%s -> %s (%s: %s)", dec.DeviceID, dec.Action, dec.Via, dec.Reason)
		if a.cfg.DryRun {
			continue
		}
		err := a.setState(ctx, dec.DeviceID, dec.Target)
		if err != nil {
			res.Errors[dec.DeviceID] = err
			switchFailures.WithLabelValues(dec.DeviceID).Inc()
			a.log.Errorf("switch %s %s: %v", dec.DeviceID, dec.Action, err)
		} else {
			a.devices.Switched(dec.DeviceID, dec.Target, a.clock.Now())
		}
		if a.bus != nil {
			a.bus.Publish(events.DecisionEvent{CycleID: res.CycleID, Time: res.Time, Decision: dec, Applied: err == nil, Err: err})
		}
	}
}

func (a *Arbitrator) setState(ctx context.Context, id string, on bool) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.IOTimeout)
	defer cancel()
	if err := a.control.SetState(ctx, id, on); err != nil {
		var ce *model.DeviceCommunicationError
		if errors.As(err, &ce) {
			return err
		}
		return &model.DeviceCommunicationError{DeviceID: id, Op: "set state", Err: err}
	}
	return nil
}

// record publishes the cycle to metrics, the decision log and the bus.
func (a *Arbitrator) record(ctx context.Context, res CycleResult, devices int) {
	changed, switched := 0, 0
	recs := make([]metrics.DecisionRecord, 0, len(res.Decisions))
	for _, d := range res.Decisions {
		applied := false
		if d.Changes() {
			changed++
			if _, failed := res.Errors[d.DeviceID]; !failed && !a.cfg.DryRun {
				applied = true
				switched++
			}
		}
		recs = append(recs, metrics.DecisionRecord{
			CycleID: res.CycleID, DeviceID: d.DeviceID, Action: d.Action, Via: d.Via,
			Priority: d.Priority, Applied: applied, Time: res.Time,
		})
	}
	if err := a.metrics.RecordCycle(metrics.CycleRecord{
		CycleID: res.CycleID, Time: res.Time, Snapshot: res.Snapshot, Duration: res.Duration,
		Devices: devices, Decisions: changed, Switched: switched,
	}); err != nil {
		a.log.Errorf("metrics error: %v", err)
	}
	if dr, ok := a.metrics.(metrics.DecisionRecorder); ok {
		if err := dr.RecordDecisions(recs); err != nil {
			a.log.Errorf("decision metrics error: %v", err)
		}
	}
	if a.store != nil {
		lr := logging.LogRecord{CycleID: res.CycleID, Timestamp: res.Time, Snapshot: res.Snapshot, Decisions: res.Decisions}
		if len(res.Errors) > 0 {
			lr.Errors = make(map[string]string, len(res.Errors))
			for id, err := range res.Errors {
				lr.Errors[id] = err.Error()
			}
		}
		if err := a.store.Append(ctx, lr); err != nil {
			a.log.Errorf("decision log error: %v", err)
		}
	}
	if a.bus != nil {
		a.bus.Publish(events.CycleEvent{
			CycleID: res.CycleID, Time: res.Time, Snapshot: res.Snapshot,
			Decisions: res.Decisions, Duration: res.Duration,
		})
	}
}
