package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("event record not found")

// EventRecord models one row of the fleet_events table.
type EventRecord struct {
	// Kind is HEALTH_CHANGE, RECYCLE, ATTEMPT, or OUTCOME.
	Kind string
	// TS is the UTC time the event was emitted.
	TS time.Time
	// WorkerID is empty for outcome events.
	WorkerID string
	// JobID is empty for health and recycle events.
	JobID string
	// FromState and ToState are set on health changes.
	FromState string
	ToState   string
	// Attempt is the 1-based attempt number for attempt events.
	Attempt int
	// Result holds the attempt result or the outcome kind.
	Result string
	// Attempts counts workers tried (outcomes) or requests served (recycles).
	Attempts         int
	NoEligibleWorker bool
	DurationMS       int64
	Note             string
}

// WorkerStats is the per-worker aggregate kept in worker_stats.
type WorkerStats struct {
	WorkerID     string
	LastState    string
	LastUpdate   time.Time
	Attempts     int64
	Succeeded    int64
	Failed       int64
	Recycles     int64
	CircuitOpens int64
}

// StatsDelta is an increment applied to one worker's aggregate. An empty
// LastState leaves the stored state untouched.
type StatsDelta struct {
	WorkerID     string
	LastState    string
	At           time.Time
	Attempts     int64
	Succeeded    int64
	Failed       int64
	Recycles     int64
	CircuitOpens int64
}

// Empty reports whether applying d would change nothing but the timestamp.
func (d StatsDelta) Empty() bool {
	return d.LastState == "" && d.Attempts == 0 && d.Succeeded == 0 &&
		d.Failed == 0 && d.Recycles == 0 && d.CircuitOpens == 0
}

// EventRepository persists the fleet event ledger.
type EventRepository interface {
	// AppendEvents inserts a batch atomically.
	AppendEvents(ctx context.Context, events []EventRecord) error
	// UpsertWorkerStats applies a delta, creating the row on first use.
	UpsertWorkerStats(ctx context.Context, delta StatsDelta) error

	// ListWorkerEvents returns a worker's events, newest first.
	ListWorkerEvents(ctx context.Context, workerID string, limit, offset int) ([]EventRecord, error)
	// ListJobEvents returns every event for one job in emission order.
	ListJobEvents(ctx context.Context, jobID string) ([]EventRecord, error)
	// GetWorkerStats loads one aggregate or returns ErrNotFound.
	GetWorkerStats(ctx context.Context, workerID string) (WorkerStats, error)
	// ListWorkerStats returns aggregates ordered by worker id.
	ListWorkerStats(ctx context.Context, limit, offset int) ([]WorkerStats, error)
}
