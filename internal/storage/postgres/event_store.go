// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-fleet/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool used for fleet events.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// EventStore implements store.EventRepository on Postgres.
type EventStore struct {
	pool pool
}

var _ store.EventRepository = (*EventStore)(nil)

// NewEventStore connects to Postgres using the provided config.
func NewEventStore(ctx context.Context, cfg Config) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &EventStore{pool: p}, nil
}

// NewEventStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEventStoreWithPool(p pool) (*EventStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EventStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *EventStore) Close() {
	s.pool.Close()
}

// Migrate creates the event tables when they do not exist.
func (s *EventStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const insertEventSQL = `
	INSERT INTO fleet_events (
		kind, ts, worker_id, job_id, from_state, to_state,
		attempt, result, attempts, no_eligible_worker, duration_ms, note
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
`

// AppendEvents inserts the batch inside one transaction.
func (s *EventStore) AppendEvents(ctx context.Context, events []store.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	for _, e := range events {
		_, err := tx.Exec(ctx, insertEventSQL,
			e.Kind, e.TS, e.WorkerID, e.JobID, e.FromState, e.ToState,
			e.Attempt, e.Result, e.Attempts, e.NoEligibleWorker, e.DurationMS, e.Note,
		)
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// UpsertWorkerStats applies a delta to the worker_stats row.
func (s *EventStore) UpsertWorkerStats(ctx context.Context, d store.StatsDelta) error {
	query := `
		INSERT INTO worker_stats (
			worker_id, last_state, last_update, attempts, succeeded, failed, recycles, circuit_opens
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_state = CASE WHEN EXCLUDED.last_state = '' THEN worker_stats.last_state ELSE EXCLUDED.last_state END,
			last_update = GREATEST(worker_stats.last_update, EXCLUDED.last_update),
			attempts = worker_stats.attempts + EXCLUDED.attempts,
			succeeded = worker_stats.succeeded + EXCLUDED.succeeded,
			failed = worker_stats.failed + EXCLUDED.failed,
			recycles = worker_stats.recycles + EXCLUDED.recycles,
			circuit_opens = worker_stats.circuit_opens + EXCLUDED.circuit_opens;
	`
	_, err := s.pool.Exec(ctx, query,
		d.WorkerID, d.LastState, d.At, d.Attempts, d.Succeeded, d.Failed, d.Recycles, d.CircuitOpens,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker stats: %w", err)
	}
	return nil
}

const selectEventColumns = `
	SELECT kind, ts, worker_id, job_id, from_state, to_state,
		attempt, result, attempts, no_eligible_worker, duration_ms, note
	FROM fleet_events
`

// ListWorkerEvents returns a worker's events, newest first.
func (s *EventStore) ListWorkerEvents(
	ctx context.Context,
	workerID string,
	limit,
	offset int,
) ([]store.EventRecord, error) {
	query := selectEventColumns + `
		WHERE worker_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, workerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker events: %w", err)
	}
	return scanEvents(rows)
}

// ListJobEvents returns a job's events in emission order.
func (s *EventStore) ListJobEvents(ctx context.Context, jobID string) ([]store.EventRecord, error) {
	query := selectEventColumns + `
		WHERE job_id = $1
		ORDER BY ts, id;
	`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]store.EventRecord, error) {
	defer rows.Close()
	var events []store.EventRecord
	for rows.Next() {
		var e store.EventRecord
		err := rows.Scan(
			&e.Kind,
			&e.TS,
			&e.WorkerID,
			&e.JobID,
			&e.FromState,
			&e.ToState,
			&e.Attempt,
			&e.Result,
			&e.Attempts,
			&e.NoEligibleWorker,
			&e.DurationMS,
			&e.Note,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

const selectStatsColumns = `
	SELECT worker_id, last_state, last_update, attempts, succeeded, failed, recycles, circuit_opens
	FROM worker_stats
`

// GetWorkerStats loads one worker's aggregate.
func (s *EventStore) GetWorkerStats(ctx context.Context, workerID string) (store.WorkerStats, error) {
	var st store.WorkerStats
	err := s.pool.QueryRow(ctx, selectStatsColumns+` WHERE worker_id = $1;`, workerID).Scan(
		&st.WorkerID,
		&st.LastState,
		&st.LastUpdate,
		&st.Attempts,
		&st.Succeeded,
		&st.Failed,
		&st.Recycles,
		&st.CircuitOpens,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.WorkerStats{}, store.ErrNotFound
		}
		return store.WorkerStats{}, fmt.Errorf("failed to get worker stats: %w", err)
	}
	return st, nil
}

// ListWorkerStats returns aggregates ordered by worker id.
func (s *EventStore) ListWorkerStats(ctx context.Context, limit, offset int) ([]store.WorkerStats, error) {
	query := selectStatsColumns + `
		ORDER BY worker_id
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker stats: %w", err)
	}
	defer rows.Close()

	var stats []store.WorkerStats
	for rows.Next() {
		var st store.WorkerStats
		err := rows.Scan(
			&st.WorkerID,
			&st.LastState,
			&st.LastUpdate,
			&st.Attempts,
			&st.Succeeded,
			&st.Failed,
			&st.Recycles,
			&st.CircuitOpens,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker stats rows: %w", err)
	}
	return stats, nil
}
