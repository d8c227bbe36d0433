package logging

import (
	"context"
	"time"

	"github.com/kilianp07/ems/core/model"
)

// LogRecord captures the outcome of one control cycle.
type LogRecord struct {
	CycleID   string               `json:"cycle_id"`
	Timestamp time.Time            `json:"timestamp"`
	Snapshot  model.EnergySnapshot `json:"snapshot"`
	Decisions []model.Decision     `json:"decisions"`
	Errors    map[string]string    `json:"errors,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// LogQuery defines filters for retrieving records. When DeviceID or Via is
// set, only the matching decisions are kept in each returned record.
type LogQuery struct {
	Start    time.Time
	End      time.Time
	DeviceID string
	Via      model.Via
	// ChangesOnly drops decisions that did not request a transition.
	ChangesOnly bool
	Limit       int // most recent records when > 0
}

// LogStore persists LogRecords and supports querying.
type LogStore interface {
	Append(ctx context.Context, rec LogRecord) error
	Query(ctx context.Context, q LogQuery) ([]LogRecord, error)
	Close() error
}

// match applies the query to a record. Records filtered by decision
// attributes are dropped when no decision remains.
func match(r LogRecord, q LogQuery) (LogRecord, bool) {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return r, false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return r, false
	}
	if q.DeviceID == "" && q.Via == "" && !q.ChangesOnly {
		return r, true
	}
	kept := make([]model.Decision, 0, len(r.Decisions))
	for _, d := range r.Decisions {
		if q.DeviceID != "" && d.DeviceID != q.DeviceID {
			continue
		}
		if q.Via != "" && d.Via != q.Via {
			continue
		}
		if q.ChangesOnly && !d.Changes() {
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		if _, failed := r.Errors[q.DeviceID]; q.DeviceID == "" || !failed {
			return r, false
		}
	}
	r.Decisions = kept
	return r, true
}

func limit(res []LogRecord, n int) []LogRecord {
	if n > 0 && len(res) > n {
		return res[len(res)-n:]
	}
	return res
}
