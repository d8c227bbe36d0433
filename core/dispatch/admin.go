package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/dispatch/logging"
	"github.com/kilianp07/ems/core/model"
	"github.com/kilianp07/ems/core/override"
	"github.com/kilianp07/ems/core/priority"
	"github.com/kilianp07/ems/core/scheduler"
)

// Administrative operations. Every mutation takes the cycle lock so it can
// never interleave with a running cycle.

// ErrUnknownDevice is returned for operations on unregistered devices.
var ErrUnknownDevice = errors.New("unknown device")

func (a *Arbitrator) requireDevice(id string) error {
	if _, ok := a.devices.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return nil
}

// SetOverride forces a device on or off, or returns it to automatic control
// with override.ModeAuto. A zero duration never expires.
func (a *Arbitrator) SetOverride(deviceID string, mode override.Mode, setBy string, duration time.Duration, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireDevice(deviceID); err != nil {
		return err
	}
	return a.overrides.Set(deviceID, mode, setBy, duration, reason)
}

// ClearOverride returns a device to automatic control.
func (a *Arbitrator) ClearOverride(deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overrides.Clear(deviceID)
}

// ClearAllOverrides removes every override and returns the count.
func (a *Arbitrator) ClearAllOverrides() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overrides.ClearAll()
}

// CleanupExpiredOverrides removes expired overrides and returns the count.
func (a *Arbitrator) CleanupExpiredOverrides() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overrides.CleanupExpired()
}

// Overrides returns the active overrides.
func (a *Arbitrator) Overrides() []override.Override { return a.overrides.All() }

// OverrideStatus returns the override view of a device.
func (a *Arbitrator) OverrideStatus(deviceID string) (override.Status, error) {
	if err := a.requireDevice(deviceID); err != nil {
		return override.Status{}, err
	}
	return a.overrides.Status(deviceID), nil
}

// OverrideStatistics summarises the active overrides.
func (a *Arbitrator) OverrideStatistics() override.Statistics { return a.overrides.Statistics() }

// AddSchedule registers a schedule for a known device.
func (a *Arbitrator) AddSchedule(s scheduler.Schedule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireDevice(s.DeviceID); err != nil {
		return err
	}
	return a.schedules.Add(s)
}

// UpdateSchedule modifies a schedule in place.
func (a *Arbitrator) UpdateSchedule(id string, fn func(*scheduler.Schedule)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var target string
	err := a.schedules.Update(id, func(s *scheduler.Schedule) {
		fn(s)
		target = s.DeviceID
	})
	if err != nil {
		return err
	}
	if _, ok := a.devices.Get(target); !ok {
		a.log.Warnf("schedule %s now targets unregistered device %s", id, target)
	}
	return nil
}

// RemoveSchedule deletes a schedule.
func (a *Arbitrator) RemoveSchedule(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schedules.Remove(id)
}

// ImportSchedules adds or replaces the given schedules.
func (a *Arbitrator) ImportSchedules(items []scheduler.Schedule) (added, updated int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range items {
		if err := a.requireDevice(s.DeviceID); err != nil {
			return added, updated, fmt.Errorf("schedule %s: %w", s.ID, err)
		}
		if _, ok := a.schedules.Get(s.ID); ok {
			repl := s
			if err := a.schedules.Update(s.ID, func(cur *scheduler.Schedule) { *cur = repl.Clone() }); err != nil {
				return added, updated, err
			}
			updated++
			continue
		}
		if err := a.schedules.Add(s); err != nil {
			return added, updated, err
		}
		added++
	}
	return added, updated, nil
}

// Schedules returns all schedules.
func (a *Arbitrator) Schedules() []scheduler.Schedule { return a.schedules.All() }

// SchedulesByDevice returns the schedules of a device.
func (a *Arbitrator) SchedulesByDevice(deviceID string) []scheduler.Schedule {
	return a.schedules.ByDevice(deviceID)
}

// ScheduleStatistics summarises the schedules.
func (a *Arbitrator) ScheduleStatistics() scheduler.Statistics { return a.schedules.Statistics() }

// AddDevice registers a device.
func (a *Arbitrator) AddDevice(d model.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.devices.Add(d)
}

// UpdateDevice modifies the configuration of a device.
func (a *Arbitrator) UpdateDevice(id string, fn func(*model.Device)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.devices.Update(id, fn)
}

// RemoveDevice unregisters a device together with its schedules and
// override.
func (a *Arbitrator) RemoveDevice(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.devices.Remove(id); err != nil {
		return err
	}
	if _, err := a.schedules.RemoveDevice(id); err != nil {
		return err
	}
	return a.overrides.Clear(id)
}

// Devices returns the devices in registration order.
func (a *Arbitrator) Devices() []model.Device { return a.devices.All() }

// Plan computes the batch switching plan for the given budget without
// touching any relay.
func (a *Arbitrator) Plan(available float64) []priority.Allocation {
	return a.alloc.Allocate(available, a.devices.All(), PlanFlags(a.overrides, a.schedules, a.clock.Now()))
}

// PlanFlags marks the devices an active override takes out of the plan and
// those inside a schedule window at now.
func PlanFlags(overrides *override.Resolver, schedules *scheduler.Manager, now time.Time) priority.Flags {
	return priority.Flags{
		Scheduled: func(id string) bool { return schedules.InSchedule(id, now) },
		Overridden: func(id string) bool {
			_, ok := overrides.CheckDecision(id)
			return ok
		},
	}
}

// DecisionLog queries the decision log.
func (a *Arbitrator) DecisionLog(ctx context.Context, q logging.LogQuery) ([]logging.LogRecord, error) {
	if a.store == nil {
		return nil, fmt.Errorf("decision log disabled")
	}
	return a.store.Query(ctx, q)
}
