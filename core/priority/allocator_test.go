package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/model"
)

func device(id string, power float64, p model.Priority, on bool) model.Device {
	return model.Device{ID: id, Power: power, Priority: p, CanControl: true, State: model.StateFromBool(on)}
}

func TestCriticalAlwaysOn(t *testing.T) {
	a := New(0)
	devs := []model.Device{device("fridge", 150, model.PriorityCritical, false)}
	for _, avail := range []float64{0, -500, 10000} {
		plan := a.CalculateSwitchingPlan(avail, devs, Flags{})
		assert.True(t, plan["fridge"], "available=%v", avail)
	}
}

func TestCriticalDebitOnlyWhenOff(t *testing.T) {
	a := New(100)
	out := a.Allocate(1000, []model.Device{
		device("c1", 300, model.PriorityCritical, true),
		device("c2", 300, model.PriorityCritical, false),
	}, Flags{})
	require.Len(t, out, 2)
	assert.Equal(t, 0.0, out[0].Debit)
	assert.Equal(t, 300.0, out[1].Debit)
	assert.Equal(t, 700.0, out[1].Remaining)
}

func TestHysteresisBoundary(t *testing.T) {
	a := New(100)
	d := device("heater", 1000, model.PriorityMedium, false)
	assert.False(t, a.Grant(d, 1050).On)
	assert.True(t, a.Grant(d, 1100).On)
	assert.Equal(t, 100.0, a.Grant(d, 1100).Remaining)
}

func TestMinRuntimeKeepsDeviceOn(t *testing.T) {
	a := New(100)
	d := device("pump", 1000, model.PriorityLow, true)
	d.CurrentRuntime = 5
	d.MinRuntime = 10

	al := a.Grant(d, 200)
	assert.True(t, al.On)
	assert.Equal(t, 0.0, al.Debit)
	assert.Equal(t, 200.0, al.Remaining)

	d.CurrentRuntime = 10
	assert.False(t, a.Grant(d, 200).On)
}

func TestEndToEndPlan(t *testing.T) {
	a := New(100)
	devs := []model.Device{
		device("low", 2000, model.PriorityLow, false),
		device("crit", 150, model.PriorityCritical, false),
		device("high", 2000, model.PriorityHigh, false),
	}
	plan := a.CalculateSwitchingPlan(5000, devs, Flags{})
	assert.Equal(t, map[string]bool{"crit": true, "high": true, "low": true}, plan)

	plan = a.CalculateSwitchingPlan(3000, devs, Flags{})
	assert.Equal(t, map[string]bool{"crit": true, "high": true, "low": false}, plan)
}

func TestScheduledBeforeTiers(t *testing.T) {
	a := New(100)
	devs := []model.Device{
		device("high", 2000, model.PriorityHigh, false),
		device("opt", 2000, model.PriorityOptional, false),
	}
	flags := Flags{Scheduled: func(id string) bool { return id == "opt" }}
	out := a.Allocate(2500, devs, flags)
	require.Len(t, out, 2)
	assert.Equal(t, "opt", out[0].DeviceID)
	assert.Equal(t, PhaseScheduled, out[0].Phase)
	assert.True(t, out[0].On)
	assert.False(t, out[1].On)

	// two scheduled devices competing for one slot are ranked by tier,
	// whatever their registration order
	devs = []model.Device{
		device("low", 1000, model.PriorityLow, false),
		device("high", 1000, model.PriorityHigh, false),
	}
	flags = Flags{Scheduled: func(string) bool { return true }}
	out = a.Allocate(1200, devs, flags)
	require.Len(t, out, 2)
	assert.Equal(t, "high", out[0].DeviceID)
	assert.Equal(t, PhaseScheduled, out[1].Phase)
	plan := a.CalculateSwitchingPlan(1200, devs, flags)
	assert.Equal(t, map[string]bool{"high": true, "low": false}, plan)
}

func TestHysteresisConfiguration(t *testing.T) {
	assert.Equal(t, DefaultHysteresis, New(-1).Hysteresis)
	a := New(0)
	assert.Equal(t, 0.0, a.Hysteresis)
	assert.True(t, a.Grant(device("heater", 1000, model.PriorityMedium, false), 1000).On)
}

func TestPassthrough(t *testing.T) {
	a := New(100)
	fixed := device("fixed", 500, model.PriorityLow, true)
	fixed.CanControl = false
	manual := device("manual", 500, model.PriorityCritical, false)
	flags := Flags{Overridden: func(id string) bool { return id == "manual" }}

	plan := a.CalculateSwitchingPlan(0, []model.Device{fixed, manual}, flags)
	assert.True(t, plan["fixed"])
	assert.False(t, plan["manual"])
}
