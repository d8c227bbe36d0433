package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cycles (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id  TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	record    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS cycles_ts ON cycles (ts);
CREATE TABLE IF NOT EXISTS cycle_devices (
	cycle     INTEGER NOT NULL REFERENCES cycles (id) ON DELETE CASCADE,
	device_id TEXT NOT NULL,
	PRIMARY KEY (cycle, device_id)
);
CREATE INDEX IF NOT EXISTS cycle_devices_device ON cycle_devices (device_id);`

// SQLiteStore keeps one row per cycle plus an index of the devices each
// cycle touched, so device queries do not decode unrelated cycles.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; the cycle loop and API queries share the handle
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, errors.Join(fmt.Errorf("sqlite schema: %w", err), db.Close())
	}
	return &SQLiteStore{db: db}, nil
}

// Append stores the record and its device index in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, rec LogRecord) (err error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `INSERT INTO cycles (cycle_id, ts, record) VALUES (?, ?, ?)`,
		rec.CycleID, rec.Timestamp.UnixNano(), string(b))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for dev := range devicesOf(rec) {
		if _, err = tx.ExecContext(ctx, `INSERT INTO cycle_devices (cycle, device_id) VALUES (?, ?)`, id, dev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func devicesOf(rec LogRecord) map[string]struct{} {
	out := make(map[string]struct{}, len(rec.Decisions)+len(rec.Errors))
	for _, d := range rec.Decisions {
		out[d.DeviceID] = struct{}{}
	}
	for id := range rec.Errors {
		out[id] = struct{}{}
	}
	return out
}

// Query returns records matching q in chronological order. Time range and
// device are filtered in SQL, the decision filters on the decoded records.
func (s *SQLiteStore) Query(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	var args []any
	query := `SELECT c.record FROM cycles c WHERE 1=1`
	if !q.Start.IsZero() {
		query += ` AND c.ts >= ?`
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		query += ` AND c.ts <= ?`
		args = append(args, q.End.UnixNano())
	}
	if q.DeviceID != "" {
		query += ` AND EXISTS (SELECT 1 FROM cycle_devices d WHERE d.cycle = c.id AND d.device_id = ?)`
		args = append(args, q.DeviceID)
	}
	query += ` ORDER BY c.ts, c.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []LogRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r LogRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode cycle record: %w", err)
		}
		if m, ok := match(r, q); ok {
			res = append(res, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return limit(res, q.Limit), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
