package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/autointersection/internal/arbiter"
)

// Run is one arbiter session from start to shutdown.
type Run struct {
	ID           string
	Policy       string
	Intersection string
	StartedAt    time.Time
	EndedAt      time.Time
}

// TraceRow is a stored arbiter.TraceEvent.
type TraceRow struct {
	At          time.Time
	Kind        string
	Vehicle     string
	Entry       string
	Exit        string
	Reservation bool
	GrantTime   time.Time
	TimeToCross time.Duration
	Latency     time.Duration
	QueueLen    int
	Occupants   int
}

// TraceRecorder writes the events of one run. It implements
// arbiter.Tracer.
type TraceRecorder struct {
	db    *DB
	runID string
}

// StartRun inserts a new run and returns a recorder for it.
func (db *DB) StartRun(policy, intersection string, startedAt time.Time) (*TraceRecorder, error) {
	id := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO runs (run_id, policy, intersection, started_at) VALUES (?, ?, ?, ?)`,
		id, policy, intersection, startedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return &TraceRecorder{db: db, runID: id}, nil
}

// RunID returns the run this recorder writes to.
func (r *TraceRecorder) RunID() string { return r.runID }

// RecordTrace stores ev.
func (r *TraceRecorder) RecordTrace(ev arbiter.TraceEvent) error {
	v := ev.Vehicle
	var grant, latency sql.NullInt64
	if !v.GrantTime.IsZero() {
		grant = sql.NullInt64{Int64: v.GrantTime.UnixMilli(), Valid: true}
	}
	if ev.Kind == arbiter.TraceExit {
		latency = sql.NullInt64{Int64: ev.Latency.Milliseconds(), Valid: true}
	}
	_, err := r.db.Exec(
		`INSERT INTO trace_events (
			run_id, at_ms, kind, vehicle, entry, exit, reservation,
			grant_ms, time_to_cross_ms, latency_ms, queue_len, occupants
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, ev.At.UnixMilli(), ev.Kind, v.Key(), v.Entry, v.Exit, v.Reservation,
		grant, v.TimeToCross.Milliseconds(), latency, ev.QueueLen, ev.Occupants,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s for %s: %w", ev.Kind, v.Key(), err)
	}
	return nil
}

// End marks the run finished.
func (r *TraceRecorder) End(at time.Time) error {
	if _, err := r.db.Exec(`UPDATE runs SET ended_at = ? WHERE run_id = ?`, at.UnixMilli(), r.runID); err != nil {
		return fmt.Errorf("failed to end run %s: %w", r.runID, err)
	}
	return nil
}

// Runs lists runs, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, policy, intersection, started_at, ended_at FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Policy, &r.Intersection, &started, &ended); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			r.EndedAt = time.UnixMilli(ended.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TraceEvents returns the events of runID in the order they were recorded.
func (db *DB) TraceEvents(runID string) ([]TraceRow, error) {
	rows, err := db.Query(`
		SELECT at_ms, kind, vehicle, entry, exit, reservation,
		       grant_ms, time_to_cross_ms, latency_ms, queue_len, occupants
		FROM trace_events WHERE run_id = ? ORDER BY event_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TraceRow
	for rows.Next() {
		var t TraceRow
		var at int64
		var entry, exit sql.NullString
		var grant, ttc, latency sql.NullInt64
		if err := rows.Scan(&at, &t.Kind, &t.Vehicle, &entry, &exit, &t.Reservation,
			&grant, &ttc, &latency, &t.QueueLen, &t.Occupants); err != nil {
			return nil, err
		}
		t.At = time.UnixMilli(at)
		t.Entry, t.Exit = entry.String, exit.String
		if grant.Valid {
			t.GrantTime = time.UnixMilli(grant.Int64)
		}
		t.TimeToCross = time.Duration(ttc.Int64) * time.Millisecond
		t.Latency = time.Duration(latency.Int64) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// ExitLatencies returns every recorded time in intersection for runID, in
// seconds.
func (db *DB) ExitLatencies(runID string) ([]float64, error) {
	rows, err := db.Query(`SELECT latency_ms FROM trace_events WHERE run_id = ? AND kind = ? AND latency_ms IS NOT NULL ORDER BY event_id`, runID, arbiter.TraceExit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, float64(ms)/1000)
	}
	return out, rows.Err()
}
