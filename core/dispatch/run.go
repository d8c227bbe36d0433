package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/ems/core/dispatch/logging"
	"github.com/kilianp07/ems/core/events"
	"github.com/kilianp07/ems/core/monitoring"
)

// Run executes a cycle immediately and then on every interval until ctx is
// canceled. A failing cycle is logged, reported and followed by the error
// back-off; it never stops the loop. A running cycle always completes.
func (a *Arbitrator) Run(ctx context.Context) error {
	a.log.Infof("control loop started (interval %s)", a.cfg.Interval)
	defer a.log.Infof("control loop stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		wait := a.cfg.Interval
		if _, err := a.safeCycle(ctx); err != nil {
			a.fail(ctx, err)
			wait = a.cfg.ErrorBackoff
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// safeCycle runs Cycle and turns a panic into a CycleError.
func (a *Arbitrator) safeCycle(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.monitor.CapturePanic(r, map[string]string{"component": "arbitrator"})
			err = &CycleError{CycleID: res.CycleID, Err: monitoring.PanicError(r)}
		}
	}()
	return a.Cycle(ctx)
}

func (a *Arbitrator) fail(ctx context.Context, err error) {
	cycleErrors.Inc()
	a.log.Errorf("control cycle failed: %v", err)
	var ce *CycleError
	id := ""
	if errors.As(err, &ce) {
		id = ce.CycleID
	}
	a.monitor.CaptureException(err, map[string]string{"component": "arbitrator", "cycle_id": id})
	now := a.clock.Now()
	if a.store != nil {
		if serr := a.store.Append(context.WithoutCancel(ctx), logging.LogRecord{CycleID: id, Timestamp: now, Error: err.Error()}); serr != nil {
			a.log.Errorf("decision log error: %v", serr)
		}
	}
	if a.bus != nil {
		a.bus.Publish(events.CycleEvent{CycleID: id, Time: now, Err: err})
	}
}
