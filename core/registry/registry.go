// Package registry holds the devices known to the arbitrator in
// registration order.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/ems/core/model"
)

// Registry is a concurrency-safe ordered device set.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	devices map[string]model.Device
}

// New returns a registry populated with devs in the given order.
func New(devs ...model.Device) (*Registry, error) {
	r := &Registry{devices: make(map[string]model.Device)}
	for _, d := range devs {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a new device at the end of the registration order.
func (r *Registry) Add(d model.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; ok {
		return &model.ValidationError{Field: "id", Msg: fmt.Sprintf("device %s already exists", d.ID)}
	}
	d.Relays = append([]string(nil), d.Relays...)
	r.devices[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Update applies fn to a copy of the device. The id and runtime fields are
// preserved.
func (r *Registry) Update(id string, fn func(*model.Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s not found", id)
	}
	upd := cur
	upd.Relays = append([]string(nil), cur.Relays...)
	fn(&upd)
	upd.ID = id
	upd.State, upd.OnSince, upd.CurrentRuntime = cur.State, cur.OnSince, cur.CurrentRuntime
	if err := upd.Validate(); err != nil {
		return err
	}
	r.devices[id] = upd
	return nil
}

// Remove deletes a device.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return fmt.Errorf("device %s not found", id)
	}
	delete(r.devices, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// All returns the devices in registration order.
func (r *Registry) All() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// Ordered returns the devices sorted by priority tier, ties kept in
// registration order.
func (r *Registry) Ordered() []model.Device {
	out := r.All()
	SortByPriority(out)
	return out
}

// SortByPriority sorts devs by tier using a stable sort.
func SortByPriority(devs []model.Device) {
	sort.SliceStable(devs, func(i, j int) bool { return devs[i].Priority < devs[j].Priority })
}

// Observe records the state read for a device at now and maintains the
// runtime counter. Unknown states leave the previous values untouched.
func (r *Registry) Observe(id string, state model.DeviceState, now time.Time) (model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, fmt.Errorf("device %s not found", id)
	}
	switch state {
	case model.StateOn:
		if d.OnSince.IsZero() {
			d.OnSince = now
		}
		d.CurrentRuntime = int(now.Sub(d.OnSince).Minutes())
	case model.StateOff:
		d.OnSince = time.Time{}
		d.CurrentRuntime = 0
	default:
		r.devices[id] = withState(d, state)
		return r.devices[id], nil
	}
	d.State = state
	r.devices[id] = d
	return d, nil
}

// Switched records a successful relay transition.
func (r *Registry) Switched(id string, on bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return
	}
	if on {
		if !d.IsOn() {
			d.OnSince = now
			d.CurrentRuntime = 0
		}
	} else {
		d.OnSince = time.Time{}
		d.CurrentRuntime = 0
	}
	d.State = model.StateFromBool(on)
	r.devices[id] = d
}

func withState(d model.Device, s model.DeviceState) model.Device {
	d.State = s
	return d
}
