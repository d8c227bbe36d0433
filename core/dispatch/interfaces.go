package dispatch

import (
	"context"

	"github.com/kilianp07/ems/core/model"
)

// DeviceController reads and switches device relays.
type DeviceController interface {
	// Status returns the relay state. Errors are treated as unknown state.
	Status(ctx context.Context, deviceID string) (model.DeviceState, error)
	SetState(ctx context.Context, deviceID string, on bool) error
}

// EnergyProvider supplies the energy snapshot for a cycle.
type EnergyProvider interface {
	Snapshot(ctx context.Context) (model.EnergySnapshot, error)
}

// CycleError aborts a control cycle.
type CycleError struct {
	CycleID string
	Err     error
}

func (e *CycleError) Error() string { return "cycle " + e.CycleID + ": " + e.Err.Error() }

func (e *CycleError) Unwrap() error { return e.Err }
