package fleet

import "time"

// JobStatus enumerates async job lifecycle values.
type JobStatus string

// Async job statuses.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ArchiveRef points at an archived copy of a job result.
type ArchiveRef struct {
	URI    string `json:"uri,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// JobRecord is the async bookkeeping kept for a submission.
type JobRecord struct {
	ID          string      `json:"job_id"`
	Status      JobStatus   `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Deadline    time.Time   `json:"deadline"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	Outcome     *Outcome    `json:"outcome,omitempty"`
	Result      []byte      `json:"-"`
	Archive     *ArchiveRef `json:"archive,omitempty"`
}

// QueueItem carries an async job to the runner pool. The payload lives only
// here and is dropped once the run finishes.
type QueueItem struct {
	JobID     string
	Payload   []byte
	Deadline  time.Time
	Submitted time.Time
}
