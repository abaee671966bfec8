package fleet

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archived results.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// JobStore tracks asynchronous submissions. It never stores job payloads.
type JobStore interface {
	CreateJob(ctx context.Context, rec JobRecord) error
	MarkRunning(ctx context.Context, jobID string, at time.Time) error
	CompleteJob(ctx context.Context, jobID string, outcome Outcome, archive ArchiveRef, at time.Time) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Queue provides enqueue/dequeue semantics for async jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}
