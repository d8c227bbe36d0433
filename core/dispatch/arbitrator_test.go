package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/dispatch/logging"
	"github.com/kilianp07/ems/core/events"
	"github.com/kilianp07/ems/core/model"
	"github.com/kilianp07/ems/core/override"
	"github.com/kilianp07/ems/core/priority"
	"github.com/kilianp07/ems/core/registry"
	"github.com/kilianp07/ems/core/scheduler"
	"github.com/kilianp07/ems/internal/eventbus"
)

// Monday noon.
var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeControl struct {
	mu       sync.Mutex
	states   map[string]model.DeviceState
	failRead map[string]bool
	failSet  map[string]bool
	calls    []string
}

func newFakeControl() *fakeControl {
	return &fakeControl{states: map[string]model.DeviceState{}, failRead: map[string]bool{}, failSet: map[string]bool{}}
}

func (f *fakeControl) Status(_ context.Context, id string) (model.DeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRead[id] {
		return model.StateUnknown, errors.New("timeout")
	}
	s, ok := f.states[id]
	if !ok {
		return model.StateOff, nil
	}
	return s, nil
}

func (f *fakeControl) SetState(_ context.Context, id string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet[id] {
		return errors.New("relay offline")
	}
	f.states[id] = model.StateFromBool(on)
	if on {
		f.calls = append(f.calls, id+":on")
	} else {
		f.calls = append(f.calls, id+":off")
	}
	return nil
}

type fakeEnergy struct {
	mu    sync.Mutex
	snap  model.EnergySnapshot
	err   error
	panic bool
	calls atomic.Int32
}

func (f *fakeEnergy) Snapshot(context.Context) (model.EnergySnapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("meter driver crashed")
	}
	return f.snap, f.err
}

type fixture struct {
	arb     *Arbitrator
	control *fakeControl
	energy  *fakeEnergy
	clock   *clock.Fake
	bus     *eventbus.Bus[events.Event]
	store   logging.LogStore
}

func newFixture(t *testing.T, cfg Config, devs ...model.Device) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	reg, err := registry.New(devs...)
	require.NoError(t, err)
	res, err := override.NewResolver(nil, clk, nil)
	require.NoError(t, err)
	sched, err := scheduler.NewManager(nil, clk, nil)
	require.NoError(t, err)
	store, err := logging.NewJSONLStore(filepath.Join(t.TempDir(), "decisions.jsonl"))
	require.NoError(t, err)
	f := &fixture{
		control: newFakeControl(),
		energy:  &fakeEnergy{snap: model.NewEnergySnapshot(6000, -5100, 0, 50, t0)},
		clock:   clk,
		bus:     eventbus.New[events.Event](64),
		store:   store,
	}
	f.arb, err = New(cfg, Deps{
		Devices: reg, Overrides: res, Schedules: sched,
		Energy: f.energy, Control: f.control,
		Clock: clk, Bus: f.bus, Store: store,
	})
	require.NoError(t, err)
	return f
}

func device(id string, power float64, p model.Priority) model.Device {
	return model.Device{ID: id, Name: id, Power: power, Priority: p, CanControl: true}
}

func byID(decs []model.Decision) map[string]model.Decision {
	m := make(map[string]model.Decision, len(decs))
	for _, d := range decs {
		m[d.DeviceID] = d
	}
	return m
}

func TestCycleEndToEnd(t *testing.T) {
	f := newFixture(t, Config{},
		device("low", 2000, model.PriorityLow),
		device("crit", 150, model.PriorityCritical),
		device("high", 2000, model.PriorityHigh),
	)
	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5000.0, res.Snapshot.AvailablePower)
	require.Len(t, res.Decisions, 3)
	assert.Equal(t, []string{"crit", "high", "low"}, []string{res.Decisions[0].DeviceID, res.Decisions[1].DeviceID, res.Decisions[2].DeviceID})
	for _, d := range res.Decisions {
		assert.Equal(t, model.ActionOn, d.Action, d.DeviceID)
		assert.Equal(t, model.ViaPriority, d.Via)
	}
	assert.Equal(t, []string{"crit:on", "high:on", "low:on"}, f.control.calls)

	dev, _ := f.arb.devices.Get("low")
	assert.True(t, dev.IsOn())
	assert.Equal(t, t0, dev.OnSince)
}

func TestCycleNoChangeWhenAlreadyInState(t *testing.T) {
	f := newFixture(t, Config{}, device("boiler", 1000, model.PriorityMedium))
	f.control.states["boiler"] = model.StateOn

	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, model.ActionNoChange, res.Decisions[0].Action)
	assert.True(t, res.Decisions[0].Target)
	assert.Empty(t, f.control.calls)
}

func TestOverrideBeatsTimeBlock(t *testing.T) {
	f := newFixture(t, Config{}, device("pump", 500, model.PriorityLow))
	require.NoError(t, f.arb.AddSchedule(scheduler.Schedule{
		ID: "block", Name: "peak block", DeviceID: "pump", Type: scheduler.TypeTimeBlock, Enabled: true,
		TimeWindow: &scheduler.TimeWindow{Start: scheduler.MustTime("11:00"), End: scheduler.MustTime("13:00"), Days: []int{0}},
	}))

	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	d := byID(res.Decisions)["pump"]
	assert.Equal(t, model.ViaSchedule, d.Via)
	assert.False(t, d.Target)

	require.NoError(t, f.arb.SetOverride("pump", override.ModeManualOn, "alice", time.Hour, "laundry"))
	res, err = f.arb.Cycle(context.Background())
	require.NoError(t, err)
	d = byID(res.Decisions)["pump"]
	assert.Equal(t, model.ViaOverride, d.Via)
	assert.Equal(t, model.ActionOn, d.Action)
	assert.Equal(t, "manual override: on - laundry", d.Reason)

	f.clock.Advance(2 * time.Hour)
	res, err = f.arb.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ViaPriority, byID(res.Decisions)["pump"].Via)
}

func TestScheduleForceOnIgnoresBudget(t *testing.T) {
	f := newFixture(t, Config{}, device("boiler", 3000, model.PriorityOptional))
	f.energy.snap = model.NewEnergySnapshot(0, 400, 0, 50, t0)
	require.NoError(t, f.arb.AddSchedule(scheduler.Schedule{
		ID: "legionella", Name: "legionella", DeviceID: "boiler", Type: scheduler.TypeTimeWindow, Enabled: true,
		TimeWindow:     &scheduler.TimeWindow{Start: scheduler.MustTime("11:00"), End: scheduler.MustTime("13:00"), Days: []int{0}},
		ActionInWindow: scheduler.ActionForceOn, ActionOutsideWindow: scheduler.ActionAllow,
	}))
	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	d := byID(res.Decisions)["boiler"]
	assert.Equal(t, model.ViaSchedule, d.Via)
	assert.Equal(t, model.ActionOn, d.Action)
}

func TestSchedulePrioritySubstitution(t *testing.T) {
	f := newFixture(t, Config{}, device("ev", 3000, model.PriorityOptional))
	f.energy.snap = model.NewEnergySnapshot(0, 400, 0, 50, t0)
	crit := model.PriorityCritical
	require.NoError(t, f.arb.AddSchedule(scheduler.Schedule{
		ID: "night", Name: "must charge", DeviceID: "ev", Type: scheduler.TypeTimeWindow, Enabled: true,
		TimeWindow:     &scheduler.TimeWindow{Start: scheduler.MustTime("11:00"), End: scheduler.MustTime("13:00"), Days: []int{0}},
		ActionInWindow: scheduler.ActionAllow, ActionOutsideWindow: scheduler.ActionAllow,
		OverridePriority: true, PriorityInWindow: &crit,
	}))
	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	d := byID(res.Decisions)["ev"]
	assert.Equal(t, model.ViaPriority, d.Via)
	assert.Equal(t, model.PriorityCritical, d.Priority)
	assert.Equal(t, model.ActionOn, d.Action)
}

func TestWindowPriorityReordersBudget(t *testing.T) {
	f := newFixture(t, Config{},
		device("m", 2000, model.PriorityMedium),
		device("ev", 2000, model.PriorityOptional),
	)
	f.energy.snap = model.NewEnergySnapshot(0, -2300, 0, 50, t0)
	high := model.PriorityHigh
	require.NoError(t, f.arb.AddSchedule(scheduler.Schedule{
		ID: "noon", Name: "solar noon", DeviceID: "ev", Type: scheduler.TypeTimeWindow, Enabled: true,
		TimeWindow:     &scheduler.TimeWindow{Start: scheduler.MustTime("11:00"), End: scheduler.MustTime("13:00"), Days: []int{0}},
		ActionInWindow: scheduler.ActionAllow, ActionOutsideWindow: scheduler.ActionAllow,
		OverridePriority: true, PriorityInWindow: &high,
	}))

	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2200.0, res.Snapshot.AvailablePower)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, "m", res.Decisions[0].DeviceID)

	decs := byID(res.Decisions)
	assert.Equal(t, model.ActionOn, decs["ev"].Action)
	assert.Equal(t, model.PriorityHigh, decs["ev"].Priority)
	assert.Equal(t, model.ActionNoChange, decs["m"].Action)
	assert.False(t, decs["m"].Target)
	assert.Equal(t, []string{"ev:on"}, f.control.calls)
}

func TestMinRuntimeKeepsDeviceOn(t *testing.T) {
	pump := device("pump", 1000, model.PriorityLow)
	pump.MinRuntime = 10
	f := newFixture(t, Config{}, pump)
	f.control.states["pump"] = model.StateOn
	f.energy.snap = model.NewEnergySnapshot(0, 200, 0, 50, t0)

	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActionNoChange, byID(res.Decisions)["pump"].Action)

	f.clock.Advance(11 * time.Minute)
	res, err = f.arb.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActionOff, byID(res.Decisions)["pump"].Action)
}

func TestUnknownStateLeftAsIs(t *testing.T) {
	f := newFixture(t, Config{}, device("heater", 500, model.PriorityHigh))
	f.control.failRead["heater"] = true

	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	d := byID(res.Decisions)["heater"]
	assert.Equal(t, model.ActionNoChange, d.Action)
	assert.Equal(t, model.ViaUnknown, d.Via)
	assert.Empty(t, f.control.calls)

	var ce *model.DeviceCommunicationError
	require.ErrorAs(t, res.Errors["heater"], &ce)
	assert.Equal(t, "status", ce.Op)
}

func TestSwitchFailureRecorded(t *testing.T) {
	f := newFixture(t, Config{}, device("heater", 500, model.PriorityHigh))
	f.control.failSet["heater"] = true
	sub := f.bus.Subscribe()

	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	assert.Error(t, res.Errors["heater"])

	ev := (<-sub).(events.DecisionEvent)
	assert.False(t, ev.Applied)
	assert.Equal(t, "heater", ev.Decision.DeviceID)
	_, ok := (<-sub).(events.CycleEvent)
	assert.True(t, ok)

	dev, _ := f.arb.devices.Get("heater")
	assert.False(t, dev.IsOn())

	logs, err := f.arb.DecisionLog(context.Background(), logging.LogQuery{DeviceID: "heater"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Errors["heater"], "relay offline")
}

func TestDryRunDoesNotSwitch(t *testing.T) {
	f := newFixture(t, Config{DryRun: true}, device("heater", 500, model.PriorityHigh))
	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActionOn, res.Decisions[0].Action)
	assert.Empty(t, f.control.calls)
}

func TestNonControllableSkipped(t *testing.T) {
	fridge := device("fridge", 100, model.PriorityCritical)
	fridge.CanControl = false
	f := newFixture(t, Config{}, fridge)
	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Decisions)
}

func TestEnergyFailureIsCycleError(t *testing.T) {
	f := newFixture(t, Config{}, device("heater", 500, model.PriorityHigh))
	f.energy.err = errors.New("meter offline")
	_, err := f.arb.Cycle(context.Background())
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.CycleID)
	assert.Empty(t, f.control.calls)
}

func TestRunSurvivesPanicsAndStops(t *testing.T) {
	f := newFixture(t, Config{Interval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond}, device("heater", 500, model.PriorityHigh))
	f.energy.panic = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.arb.Run(ctx) }()

	require.Eventually(t, func() bool { return f.energy.calls.Load() >= 3 }, time.Second, time.Millisecond)
	f.energy.mu.Lock()
	f.energy.panic = false
	f.energy.mu.Unlock()
	require.Eventually(t, func() bool { return f.arb.LastCycle().CycleID != "" }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	logs, err := f.store.Query(context.Background(), logging.LogQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Error, "meter driver crashed")
}

func TestAdminValidation(t *testing.T) {
	f := newFixture(t, Config{}, device("pump", 500, model.PriorityLow))
	assert.ErrorIs(t, f.arb.SetOverride("ghost", override.ModeManualOn, "bob", 0, ""), ErrUnknownDevice)
	_, err := f.arb.OverrideStatus("ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	err = f.arb.AddSchedule(scheduler.Schedule{ID: "s1", Name: "x", DeviceID: "pump", Type: scheduler.TypeTimeWindow})
	assert.True(t, model.IsValidation(err))

	require.NoError(t, f.arb.SetOverride("pump", override.ModeManualOff, "bob", 0, ""))
	require.NoError(t, f.arb.AddSchedule(scheduler.Schedule{
		ID: "s1", Name: "day", DeviceID: "pump", Type: scheduler.TypeTimeWindow, Enabled: true,
		TimeWindow:     &scheduler.TimeWindow{Start: scheduler.MustTime("08:00"), End: scheduler.MustTime("18:00"), Days: []int{0, 1, 2, 3, 4}},
		ActionInWindow: scheduler.ActionAllow, ActionOutsideWindow: scheduler.ActionForceOff,
	}))
	assert.Equal(t, 1, f.arb.OverrideStatistics().Total)
	assert.Equal(t, 1, f.arb.ScheduleStatistics().Total)

	require.NoError(t, f.arb.RemoveDevice("pump"))
	assert.Empty(t, f.arb.Schedules())
	assert.Empty(t, f.arb.Overrides())
	assert.Empty(t, f.arb.Devices())
}

// gatedControl parks the first status read until release is closed.
type gatedControl struct {
	*fakeControl
	reached chan struct{}
	release chan struct{}
}

func (g *gatedControl) Status(ctx context.Context, id string) (model.DeviceState, error) {
	select {
	case g.reached <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return model.StateUnknown, ctx.Err()
	}
	return g.fakeControl.Status(ctx, id)
}

func TestAdminWaitsForRunningCycle(t *testing.T) {
	block := scheduler.Schedule{
		ID: "block", Name: "peak block", DeviceID: "pump", Type: scheduler.TypeTimeBlock, Enabled: true,
		TimeWindow: &scheduler.TimeWindow{Start: scheduler.MustTime("11:00"), End: scheduler.MustTime("13:00"), Days: []int{0}},
	}
	tests := map[string]func(*Arbitrator) error{
		"set override": func(a *Arbitrator) error {
			return a.SetOverride("pump", override.ModeManualOff, "alice", time.Hour, "")
		},
		"add schedule":  func(a *Arbitrator) error { return a.AddSchedule(block) },
		"remove device": func(a *Arbitrator) error { return a.RemoveDevice("pump") },
	}
	for name, admin := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Config{}, device("pump", 500, model.PriorityLow))
			gate := &gatedControl{fakeControl: f.control, reached: make(chan struct{}, 1), release: make(chan struct{})}
			f.arb.control = gate

			cycleDone := make(chan error, 1)
			go func() {
				_, err := f.arb.Cycle(context.Background())
				cycleDone <- err
			}()
			select {
			case <-gate.reached:
			case <-time.After(time.Second):
				t.Fatal("cycle never read device state")
			}

			adminDone := make(chan error, 1)
			go func() { adminDone <- admin(f.arb) }()
			select {
			case <-adminDone:
				t.Fatal("admin call returned while a cycle was running")
			case <-time.After(50 * time.Millisecond):
			}

			close(gate.release)
			select {
			case err := <-cycleDone:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("cycle did not finish")
			}
			select {
			case err := <-adminDone:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("admin call did not finish")
			}

			last := f.arb.LastCycle()
			require.Len(t, last.Decisions, 1)
			assert.Equal(t, model.ViaPriority, last.Decisions[0].Via)
			assert.Equal(t, model.ActionOn, last.Decisions[0].Action)
		})
	}
}

func TestImportSchedules(t *testing.T) {
	f := newFixture(t, Config{}, device("pump", 500, model.PriorityLow))
	s := scheduler.Schedule{
		ID: "s1", Name: "day", DeviceID: "pump", Type: scheduler.TypeTimeWindow, Enabled: true,
		TimeWindow:     &scheduler.TimeWindow{Start: scheduler.MustTime("08:00"), End: scheduler.MustTime("18:00"), Days: []int{0}},
		ActionInWindow: scheduler.ActionAllow, ActionOutsideWindow: scheduler.ActionAllow,
	}
	added, updated, err := f.arb.ImportSchedules([]scheduler.Schedule{s})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, updated)

	s.Description = "v2"
	added, updated, err = f.arb.ImportSchedules([]scheduler.Schedule{s})
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, updated)
	got, _ := f.arb.schedules.Get("s1")
	assert.Equal(t, "v2", got.Description)

	s.DeviceID = "ghost"
	_, _, err = f.arb.ImportSchedules([]scheduler.Schedule{s})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestPlan(t *testing.T) {
	f := newFixture(t, Config{},
		device("crit", 150, model.PriorityCritical),
		device("high", 2000, model.PriorityHigh),
		device("low", 2000, model.PriorityLow),
	)
	plan := map[string]bool{}
	for _, al := range f.arb.Plan(5000) {
		plan[al.DeviceID] = al.On
	}
	assert.Equal(t, map[string]bool{"crit": true, "high": true, "low": true}, plan)

	require.NoError(t, f.arb.SetOverride("high", override.ModeManualOff, "bob", 0, ""))
	require.NoError(t, f.arb.AddSchedule(scheduler.Schedule{
		ID: "noon", Name: "noon", DeviceID: "low", Type: scheduler.TypeTimeWindow, Enabled: true,
		TimeWindow:     &scheduler.TimeWindow{Start: scheduler.MustTime("11:00"), End: scheduler.MustTime("13:00"), Days: []int{0}},
		ActionInWindow: scheduler.ActionAllow, ActionOutsideWindow: scheduler.ActionAllow,
	}))
	flags := PlanFlags(f.arb.overrides, f.arb.schedules, t0)
	assert.True(t, flags.Overridden("high"))
	assert.False(t, flags.Overridden("low"))
	assert.True(t, flags.Scheduled("low"))
	assert.False(t, flags.Scheduled("high"))

	phases := map[string]priority.Phase{}
	for _, al := range f.arb.Plan(5000) {
		phases[al.DeviceID] = al.Phase
	}
	assert.Equal(t, map[string]priority.Phase{
		"crit": priority.PhaseCritical, "high": priority.PhasePassthrough, "low": priority.PhaseScheduled,
	}, phases)
}

func TestConfigValidate(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.Equal(t, 30*time.Second, c.Interval)
	assert.Equal(t, 100.0, c.Margin())
	require.NoError(t, c.Validate())

	c.SOCPolicy.LowSOC = 95
	assert.Error(t, c.Validate())

	neg := -1.0
	assert.Error(t, Config{Hysteresis: &neg}.Validate())
}

func TestZeroHysteresis(t *testing.T) {
	zero := 0.0
	c := Config{Hysteresis: &zero}
	c.SetDefaults()
	assert.Equal(t, 0.0, c.Margin())

	f := newFixture(t, c, device("heater", 1000, model.PriorityMedium))
	f.energy.snap = model.NewEnergySnapshot(0, -1000, 0, 50, t0)
	res, err := f.arb.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, res.Snapshot.AvailablePower)
	assert.Equal(t, model.ActionOn, res.Decisions[0].Action)
}
