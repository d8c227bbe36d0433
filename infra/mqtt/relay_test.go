package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/model"
)

func newTestClient(t *testing.T) (*Client, *mockClient) {
	t.Helper()
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewClient(Config{Broker: "tcp://localhost:1883", ClientID: "test", MaxRetries: 1, BackoffMS: 1}, nil, nil)
	require.NoError(t, err)
	return cli, mc
}

func heatPump() model.Device {
	return model.Device{ID: "hp", Name: "Heat pump", Power: 2000, Priority: model.PriorityMedium, CanControl: true, SGReady: true, Relays: []string{"hp-sig", "hp-force"}}
}

func lookupOf(devs ...model.Device) DeviceLookup {
	return func(id string) (model.Device, bool) {
		for _, d := range devs {
			if d.ID == id {
				return d, true
			}
		}
		return model.Device{}, false
	}
}

func TestRelayIDFromTopic(t *testing.T) {
	id, ok := relayID("shellies/%s/relay/0", "shellies/boiler/relay/0")
	assert.True(t, ok)
	assert.Equal(t, "boiler", id)

	_, ok = relayID("shellies/%s/relay/0", "shellies/boiler/relay/1")
	assert.False(t, ok)
	_, ok = relayID("shellies/%s/relay/0", "shellies/boiler/relay/0/power")
	assert.False(t, ok)
}

func TestRelayStatusFromStateTopic(t *testing.T) {
	cli, mc := newTestClient(t)
	clk := clock.NewFake(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	rc, err := NewRelayController(cli, cli.cfg, RelayConfig{StaleAfter: time.Minute}, nil, clk, nil)
	require.NoError(t, err)
	ctx := context.Background()

	st, err := rc.Status(ctx, "boiler")
	assert.ErrorIs(t, err, model.ErrUnknownState)
	assert.Equal(t, model.StateUnknown, st)

	mc.deliver("shellies/+/relay/0", "shellies/boiler/relay/0", "on")
	st, err = rc.Status(ctx, "boiler")
	require.NoError(t, err)
	assert.Equal(t, model.StateOn, st)

	mc.deliver("shellies/+/relay/0", "shellies/boiler/relay/0", "off")
	st, err = rc.Status(ctx, "boiler")
	require.NoError(t, err)
	assert.Equal(t, model.StateOff, st)

	mc.deliver("shellies/+/relay/0", "shellies/boiler/relay/0", "garbage")
	st, err = rc.Status(ctx, "boiler")
	require.NoError(t, err)
	assert.Equal(t, model.StateOff, st)

	clk.Advance(2 * time.Minute)
	_, err = rc.Status(ctx, "boiler")
	assert.ErrorIs(t, err, model.ErrUnknownState)
}

func TestRelaySetStateIsOptimistic(t *testing.T) {
	cli, mc := newTestClient(t)
	rc, err := NewRelayController(cli, cli.cfg, RelayConfig{}, lookupOf(model.Device{ID: "pool", Relays: []string{"shelly-pool"}}), nil, nil)
	require.NoError(t, err)

	require.NoError(t, rc.SetState(context.Background(), "pool", true))
	require.Len(t, mc.published, 1)
	assert.Equal(t, "shellies/shelly-pool/relay/0/command", mc.published[0].topic)
	assert.Equal(t, "on", mc.published[0].payload)

	st, err := rc.Status(context.Background(), "pool")
	require.NoError(t, err)
	assert.Equal(t, model.StateOn, st)
}

func TestRelaySetStateFailure(t *testing.T) {
	cli, mc := newTestClient(t)
	rc, err := NewRelayController(cli, cli.cfg, RelayConfig{}, nil, nil, nil)
	require.NoError(t, err)
	mc.publishErrs = []error{assert.AnError, assert.AnError}

	err = rc.SetState(context.Background(), "boiler", true)
	assert.ErrorIs(t, err, assert.AnError)
	_, err = rc.Status(context.Background(), "boiler")
	assert.ErrorIs(t, err, model.ErrUnknownState)
}

func TestRelayCancelledContext(t *testing.T) {
	cli, mc := newTestClient(t)
	rc, err := NewRelayController(cli, cli.cfg, RelayConfig{}, nil, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rc.SetState(ctx, "boiler", true), context.Canceled)
	assert.Empty(t, mc.published)
}

func TestSGReadyRelays(t *testing.T) {
	cli, mc := newTestClient(t)
	rc, err := NewRelayController(cli, cli.cfg, RelayConfig{}, lookupOf(heatPump()), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, rc.SetState(ctx, "hp", true))
	require.Len(t, mc.published, 2)
	assert.Equal(t, published{topic: "shellies/hp-force/relay/0/command", payload: "off"}, mc.published[0])
	assert.Equal(t, published{topic: "shellies/hp-sig/relay/0/command", payload: "on"}, mc.published[1])
	st, err := rc.Status(ctx, "hp")
	require.NoError(t, err)
	assert.Equal(t, model.StateOn, st)

	require.NoError(t, rc.SetState(ctx, "hp", false))
	st, err = rc.Status(ctx, "hp")
	require.NoError(t, err)
	assert.Equal(t, model.StateOff, st)

	// forced mode reported by the pump counts as on
	mc.deliver("shellies/+/relay/0", "shellies/hp-sig/relay/0", "on")
	mc.deliver("shellies/+/relay/0", "shellies/hp-force/relay/0", "on")
	st, err = rc.Status(ctx, "hp")
	require.NoError(t, err)
	assert.Equal(t, model.StateOn, st)

	mc.deliver("shellies/+/relay/0", "shellies/hp-sig/relay/0", "off")
	_, err = rc.Status(ctx, "hp")
	assert.Error(t, err)
}

func TestRelayTopicValidation(t *testing.T) {
	cli, _ := newTestClient(t)
	_, err := NewRelayController(cli, cli.cfg, RelayConfig{StateTopic: "relays/state"}, nil, nil, nil)
	assert.Error(t, err)
}
