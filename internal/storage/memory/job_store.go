package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// ErrJobExists is returned when a job id is reused.
var ErrJobExists = errors.New("job already exists")

// JobStore keeps async job records in memory. It implements fleet.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]fleet.JobRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]fleet.JobRecord)}
}

// CreateJob stores a new record in queued status.
func (s *JobStore) CreateJob(_ context.Context, rec fleet.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, rec.ID)
	}
	rec.Status = fleet.JobStatusQueued
	s.jobs[rec.ID] = rec
	return nil
}

// MarkRunning records that a runner picked the job up.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, at time.Time) error {
	return s.update(jobID, func(rec *fleet.JobRecord) {
		rec.Status = fleet.JobStatusRunning
		if rec.StartedAt == nil {
			rec.StartedAt = pointerTime(at)
		}
	})
}

// CompleteJob stores the terminal outcome and optional archive reference.
func (s *JobStore) CompleteJob(_ context.Context, jobID string, outcome fleet.Outcome, archive fleet.ArchiveRef, at time.Time) error {
	return s.update(jobID, func(rec *fleet.JobRecord) {
		rec.Status = fleet.JobStatusFailed
		if outcome.Kind == fleet.OutcomeCompleted {
			rec.Status = fleet.JobStatusCompleted
		}
		if rec.StartedAt == nil {
			rec.StartedAt = pointerTime(at)
		}
		rec.FinishedAt = pointerTime(at)
		rec.Result = append([]byte(nil), outcome.Result...)
		stored := outcome
		stored.Result = nil
		stored.Attempts = append([]fleet.Attempt(nil), outcome.Attempts...)
		rec.Outcome = &stored
		if archive.URI != "" {
			ref := archive
			rec.Archive = &ref
		}
	})
}

// GetJob fetches a record by id.
func (s *JobStore) GetJob(_ context.Context, jobID string) (fleet.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return fleet.JobRecord{}, fmt.Errorf("%w: %s", fleet.ErrJobNotFound, jobID)
	}
	return rec, nil
}

// Prune deletes terminal records finished before cutoff and records stuck
// queued or running since before cutoff. It returns how many were removed.
func (s *JobStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.jobs {
		ref := rec.SubmittedAt
		if rec.Status.Terminal() && rec.FinishedAt != nil {
			ref = *rec.FinishedAt
		}
		if ref.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *JobStore) update(jobID string, fn func(*fleet.JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", fleet.ErrJobNotFound, jobID)
	}
	fn(&rec)
	s.jobs[jobID] = rec
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
