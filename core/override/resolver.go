package override

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/model"
)

// Resolver owns the override registry. All methods are safe for concurrent
// use; expiry is evaluated lazily against the injected clock.
type Resolver struct {
	mu        sync.Mutex
	overrides map[string]Override
	store     Store
	clock     clock.Clock
	log       logger.Logger
}

// NewResolver loads the persisted overrides, dropping those already expired.
func NewResolver(store Store, clk clock.Clock, log logger.Logger) (*Resolver, error) {
	if store == nil {
		store = &MemoryStore{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	log = logger.OrNop(log)
	r := &Resolver{overrides: make(map[string]Override), store: store, clock: clk, log: log}
	items, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	now := clk.Now()
	for _, o := range items {
		if o.Expired(now) {
			log.Infof("override for %s expired", o.DeviceID)
			continue
		}
		if o.Mode == ModeAuto {
			continue
		}
		r.overrides[o.DeviceID] = o
	}
	log.Infof("loaded %d device overrides", len(r.overrides))
	return r, nil
}

// MaxDuration bounds the lifetime of a single override.
const MaxDuration = 365 * 24 * time.Hour

// Set installs or replaces the override of a device. A zero duration means
// no expiry. Setting ModeAuto removes any existing override.
func (r *Resolver) Set(deviceID string, mode Mode, setBy string, duration time.Duration, reason string) error {
	if deviceID == "" {
		return &model.ValidationError{Field: "device_id", Msg: "device id required"}
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if duration < 0 || duration > MaxDuration {
		return &model.ValidationError{Field: "duration", Msg: fmt.Sprintf("must be within [0, %s]", MaxDuration)}
	}
	if setBy == "" {
		setBy = "user"
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.copyLocked()
	if mode == ModeAuto {
		if _, ok := next[deviceID]; !ok {
			return nil
		}
		delete(next, deviceID)
		if err := r.commitLocked(next); err != nil {
			return err
		}
		r.log.Infof("removed override for %s, back to auto", deviceID)
		return nil
	}
	now := r.clock.Now()
	o := Override{DeviceID: deviceID, Mode: mode, SetBy: setBy, SetAt: now, Reason: reason}
	if duration > 0 {
		exp := now.Add(duration)
		o.ExpiresAt = &exp
	}
	next[deviceID] = o
	if err := r.commitLocked(next); err != nil {
		return err
	}
	if o.ExpiresAt != nil {
		r.log.Infof("set override for %s: %s (expires in %s)", deviceID, mode, duration)
	} else {
		r.log.Infof("set override for %s: %s", deviceID, mode)
	}
	return nil
}

// Get returns the active override of a device. An expired override is
// deleted as a side effect and reported as absent.
func (r *Resolver) Get(deviceID string) (Override, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(deviceID)
}

func (r *Resolver) getLocked(deviceID string) (Override, bool) {
	o, ok := r.overrides[deviceID]
	if !ok {
		return Override{}, false
	}
	if o.Expired(r.clock.Now()) {
		r.log.Infof("override for %s expired, removing", deviceID)
		next := r.copyLocked()
		delete(next, deviceID)
		if err := r.commitLocked(next); err != nil {
			// keep the in-memory view consistent with the clock even if the
			// document could not be rewritten
			delete(r.overrides, deviceID)
			r.log.Errorf("persist overrides: %v", err)
		}
		return Override{}, false
	}
	return o, true
}

// Clear hands the device back to automatic control.
func (r *Resolver) Clear(deviceID string) error {
	return r.Set(deviceID, ModeAuto, "", 0, "")
}

// ClearAll removes every override and returns how many were removed.
func (r *Resolver) ClearAll() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.overrides)
	if err := r.commitLocked(map[string]Override{}); err != nil {
		return 0, err
	}
	r.log.Infof("cleared all %d overrides", n)
	return n, nil
}

// CleanupExpired removes all expired overrides and returns the count.
func (r *Resolver) CleanupExpired() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	next := r.copyLocked()
	removed := 0
	for id, o := range next {
		if o.Expired(now) {
			delete(next, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := r.commitLocked(next); err != nil {
		return 0, err
	}
	r.log.Infof("cleaned up %d expired overrides", removed)
	return removed, nil
}

// CheckDecision returns a forcing instruction when an unexpired manual
// override exists for the device.
func (r *Resolver) CheckDecision(deviceID string) (Instruction, bool) {
	o, ok := r.Get(deviceID)
	if !ok {
		return Instruction{}, false
	}
	var in Instruction
	switch o.Mode {
	case ModeManualOn:
		in = Instruction{On: true, Reason: "manual override: on"}
	case ModeManualOff:
		in = Instruction{On: false, Reason: "manual override: off"}
	default:
		return Instruction{}, false
	}
	if o.Reason != "" {
		in.Reason += " - " + o.Reason
	}
	in.SetBy = o.SetBy
	in.SetAt = o.SetAt
	return in, true
}

// All returns the active overrides sorted by device id, removing expired ones.
func (r *Resolver) All() []Override {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	next := r.copyLocked()
	out := make([]Override, 0, len(next))
	dirty := false
	for id, o := range next {
		if o.Expired(now) {
			delete(next, id)
			dirty = true
			continue
		}
		out = append(out, o)
	}
	if dirty {
		if err := r.commitLocked(next); err != nil {
			r.log.Errorf("persist overrides: %v", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Status returns the override view of a device, mode auto when none is set.
func (r *Resolver) Status(deviceID string) Status {
	o, ok := r.Get(deviceID)
	if !ok {
		return Status{DeviceID: deviceID, Mode: ModeAuto}
	}
	setAt := o.SetAt
	return Status{
		DeviceID:  deviceID,
		Mode:      o.Mode,
		Active:    true,
		SetBy:     o.SetBy,
		SetAt:     &setAt,
		ExpiresAt: o.ExpiresAt,
		Reason:    o.Reason,
	}
}

// Statistics counts active overrides by mode and setter.
func (r *Resolver) Statistics() Statistics {
	st := Statistics{BySetter: map[string]int{}}
	for _, o := range r.All() {
		st.Total++
		switch o.Mode {
		case ModeManualOn:
			st.ManualOn++
		case ModeManualOff:
			st.ManualOff++
		}
		if o.ExpiresAt != nil {
			st.WithExpiry++
		}
		st.BySetter[o.SetBy]++
	}
	return st
}

func (r *Resolver) copyLocked() map[string]Override {
	next := make(map[string]Override, len(r.overrides))
	for k, v := range r.overrides {
		next[k] = v
	}
	return next
}

// commitLocked persists next and swaps it in on success.
func (r *Resolver) commitLocked(next map[string]Override) error {
	items := make([]Override, 0, len(next))
	for _, o := range next {
		items = append(items, o)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DeviceID < items[j].DeviceID })
	if err := r.store.Save(items); err != nil {
		return fmt.Errorf("save overrides: %w", err)
	}
	r.overrides = next
	return nil
}
