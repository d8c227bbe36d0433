package override

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/model"
)

var t0 = time.Date(2026, 1, 27, 14, 30, 0, 0, time.UTC)

func newResolver(t *testing.T) (*Resolver, *clock.Fake, *MemoryStore) {
	t.Helper()
	clk := clock.NewFake(t0)
	store := &MemoryStore{}
	r, err := NewResolver(store, clk, logger.Nop{})
	require.NoError(t, err)
	return r, clk, store
}

func TestSetAndGet(t *testing.T) {
	r, _, store := newResolver(t)
	require.NoError(t, r.Set("boiler", ModeManualOn, "user", time.Hour, "testing"))
	o, ok := r.Get("boiler")
	require.True(t, ok)
	assert.Equal(t, ModeManualOn, o.Mode)
	assert.Equal(t, "user", o.SetBy)
	require.NotNil(t, o.ExpiresAt)
	assert.Equal(t, t0.Add(time.Hour), *o.ExpiresAt)
	assert.Equal(t, 1, store.Saves)

	persisted, _ := store.Load()
	require.Len(t, persisted, 1)
	assert.Equal(t, "boiler", persisted[0].DeviceID)
}

func TestSetAutoRemoves(t *testing.T) {
	r, _, _ := newResolver(t)
	require.NoError(t, r.Set("boiler", ModeManualOff, "api", 0, ""))
	require.NoError(t, r.Set("boiler", ModeAuto, "api", 0, ""))
	_, ok := r.Get("boiler")
	assert.False(t, ok)
	assert.Equal(t, ModeAuto, r.Status("boiler").Mode)
	assert.False(t, r.Status("boiler").Active)
}

func TestSetRejectsInvalid(t *testing.T) {
	r, _, _ := newResolver(t)
	for name, err := range map[string]error{
		"empty id":      r.Set("", ModeManualOn, "u", 0, ""),
		"bad mode":      r.Set("x", Mode("turbo"), "u", 0, ""),
		"negative":      r.Set("x", ModeManualOn, "u", -time.Minute, ""),
		"beyond a year": r.Set("x", ModeManualOn, "u", MaxDuration+time.Minute, ""),
	} {
		assert.True(t, model.IsValidation(err), "%s: %v", name, err)
	}
	assert.NoError(t, r.Set("x", ModeManualOn, "u", MaxDuration, ""))
}

func TestExpiredGetRemovesEntry(t *testing.T) {
	r, clk, store := newResolver(t)
	require.NoError(t, r.Set("pump", ModeManualOn, "user", 30*time.Minute, ""))

	clk.Advance(30 * time.Minute)
	_, ok := r.Get("pump")
	assert.True(t, ok, "deadline itself is not yet expired")

	clk.Advance(time.Second)
	_, ok = r.Get("pump")
	assert.False(t, ok)
	persisted, _ := store.Load()
	assert.Empty(t, persisted)
	_, ok = r.CheckDecision("pump")
	assert.False(t, ok)
}

func TestCheckDecision(t *testing.T) {
	r, _, _ := newResolver(t)
	_, ok := r.CheckDecision("none")
	assert.False(t, ok)

	require.NoError(t, r.Set("a", ModeManualOn, "user", 0, "guests"))
	in, ok := r.CheckDecision("a")
	require.True(t, ok)
	assert.True(t, in.On)
	assert.Equal(t, "manual override: on - guests", in.Reason)

	require.NoError(t, r.Set("b", ModeManualOff, "user", 0, ""))
	in, ok = r.CheckDecision("b")
	require.True(t, ok)
	assert.False(t, in.On)
	assert.Equal(t, "manual override: off", in.Reason)
}

func TestClearAllAndCleanup(t *testing.T) {
	r, clk, _ := newResolver(t)
	require.NoError(t, r.Set("a", ModeManualOn, "user", time.Minute, ""))
	require.NoError(t, r.Set("b", ModeManualOn, "api", time.Hour, ""))
	require.NoError(t, r.Set("c", ModeManualOff, "api", 0, ""))

	clk.Advance(2 * time.Minute)
	n, err := r.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	st := r.Statistics()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ManualOn)
	assert.Equal(t, 1, st.ManualOff)
	assert.Equal(t, 1, st.WithExpiry)
	assert.Equal(t, 2, st.BySetter["api"])

	n, err = r.ClearAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, r.All())
}

func TestLoadDropsExpired(t *testing.T) {
	past := t0.Add(-time.Minute)
	future := t0.Add(time.Minute)
	store := &MemoryStore{}
	require.NoError(t, store.Save([]Override{
		{DeviceID: "old", Mode: ModeManualOn, ExpiresAt: &past},
		{DeviceID: "new", Mode: ModeManualOff, ExpiresAt: &future},
	}))
	r, err := NewResolver(store, clock.NewFake(t0), nil)
	require.NoError(t, err)
	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].DeviceID)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Save([]Override) error { return errors.New("disk full") }

func TestSetKeepsStateOnSaveFailure(t *testing.T) {
	r, err := NewResolver(&failingStore{}, clock.NewFake(t0), nil)
	require.NoError(t, err)
	assert.Error(t, r.Set("a", ModeManualOn, "user", 0, ""))
	_, ok := r.Get("a")
	assert.False(t, ok)
}
