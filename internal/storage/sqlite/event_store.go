// Package sqlite persists fleet events in an embedded SQLite database for
// single-node deployments that have no Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/scrape-fleet/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// EventStore implements store.EventRepository on SQLite.
type EventStore struct {
	db *sql.DB
}

var _ store.EventRepository = (*EventStore)(nil)

// Open opens (or creates) the database at path and applies migrations. Use
// ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*EventStore, error) {
	if path == "" {
		return nil, errors.New("storage.sqlite.path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" stable.
	db.SetMaxOpenConns(1)
	s := &EventStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *EventStore) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, entry := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Ping checks the database handle.
func (s *EventStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// AppendEvents inserts the batch inside one transaction.
func (s *EventStore) AppendEvents(ctx context.Context, events []store.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fleet_events (
			kind, ts_unix_nano, worker_id, job_id, from_state, to_state,
			attempt, result, attempts, no_eligible_worker, duration_ms, note
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range events {
		_, err := stmt.ExecContext(ctx,
			e.Kind, e.TS.UnixNano(), e.WorkerID, e.JobID, e.FromState, e.ToState,
			e.Attempt, e.Result, e.Attempts, e.NoEligibleWorker, e.DurationMS, e.Note,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// UpsertWorkerStats applies a delta to the worker_stats row.
func (s *EventStore) UpsertWorkerStats(ctx context.Context, d store.StatsDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_stats (
			worker_id, last_state, last_update_unix_nano, attempts, succeeded, failed, recycles, circuit_opens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_state = CASE WHEN excluded.last_state = '' THEN worker_stats.last_state ELSE excluded.last_state END,
			last_update_unix_nano = MAX(worker_stats.last_update_unix_nano, excluded.last_update_unix_nano),
			attempts = worker_stats.attempts + excluded.attempts,
			succeeded = worker_stats.succeeded + excluded.succeeded,
			failed = worker_stats.failed + excluded.failed,
			recycles = worker_stats.recycles + excluded.recycles,
			circuit_opens = worker_stats.circuit_opens + excluded.circuit_opens`,
		d.WorkerID, d.LastState, d.At.UnixNano(), d.Attempts, d.Succeeded, d.Failed, d.Recycles, d.CircuitOpens,
	)
	if err != nil {
		return fmt.Errorf("upsert worker stats: %w", err)
	}
	return nil
}

const selectEvents = `
	SELECT kind, ts_unix_nano, worker_id, job_id, from_state, to_state,
		attempt, result, attempts, no_eligible_worker, duration_ms, note
	FROM fleet_events`

// ListWorkerEvents returns a worker's events, newest first.
func (s *EventStore) ListWorkerEvents(
	ctx context.Context,
	workerID string,
	limit,
	offset int,
) ([]store.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE worker_id = ?
		ORDER BY ts_unix_nano DESC, id DESC
		LIMIT ? OFFSET ?`, workerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list worker events: %w", err)
	}
	return scanEvents(rows)
}

// ListJobEvents returns a job's events in emission order.
func (s *EventStore) ListJobEvents(ctx context.Context, jobID string) ([]store.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE job_id = ?
		ORDER BY ts_unix_nano, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]store.EventRecord, error) {
	defer rows.Close()
	var events []store.EventRecord
	for rows.Next() {
		var (
			e  store.EventRecord
			ts int64
		)
		err := rows.Scan(
			&e.Kind, &ts, &e.WorkerID, &e.JobID, &e.FromState, &e.ToState,
			&e.Attempt, &e.Result, &e.Attempts, &e.NoEligibleWorker, &e.DurationMS, &e.Note,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.TS = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

const selectStats = `
	SELECT worker_id, last_state, last_update_unix_nano, attempts, succeeded, failed, recycles, circuit_opens
	FROM worker_stats`

type scanner interface {
	Scan(dest ...any) error
}

func scanStats(row scanner) (store.WorkerStats, error) {
	var (
		st store.WorkerStats
		ts int64
	)
	if err := row.Scan(
		&st.WorkerID, &st.LastState, &ts, &st.Attempts, &st.Succeeded, &st.Failed, &st.Recycles, &st.CircuitOpens,
	); err != nil {
		return store.WorkerStats{}, err
	}
	st.LastUpdate = time.Unix(0, ts).UTC()
	return st, nil
}

// GetWorkerStats loads one worker's aggregate.
func (s *EventStore) GetWorkerStats(ctx context.Context, workerID string) (store.WorkerStats, error) {
	st, err := scanStats(s.db.QueryRowContext(ctx, selectStats+` WHERE worker_id = ?`, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.WorkerStats{}, store.ErrNotFound
		}
		return store.WorkerStats{}, fmt.Errorf("get worker stats: %w", err)
	}
	return st, nil
}

// ListWorkerStats returns aggregates ordered by worker id.
func (s *EventStore) ListWorkerStats(ctx context.Context, limit, offset int) ([]store.WorkerStats, error) {
	rows, err := s.db.QueryContext(ctx, selectStats+`
		ORDER BY worker_id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list worker stats: %w", err)
	}
	defer rows.Close()
	var stats []store.WorkerStats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker stats rows: %w", err)
	}
	return stats, nil
}
