// Package async runs submissions in the background: a fixed pool of runners
// drains a bounded queue, and a janitor prunes old job records.
package async

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// Submitter runs a job to a terminal outcome.
type Submitter interface {
	Submit(ctx context.Context, job fleet.Job) fleet.Outcome
}

// Config controls result archiving.
type Config struct {
	Concurrency int
	ContentType string
	BlobPrefix  string
}

// Pool fans queued jobs out to a fixed number of runners.
type Pool struct {
	queue     fleet.Queue
	jobStore  fleet.JobStore
	blobStore fleet.BlobStore
	hasher    fleet.Hasher
	submitter Submitter
	clock     fleet.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewPool creates a Pool. blobStore and hasher may be nil to skip archiving.
func NewPool(
	queue fleet.Queue,
	jobStore fleet.JobStore,
	blobStore fleet.BlobStore,
	hasher fleet.Hasher,
	submitter Submitter,
	clock fleet.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return &Pool{
		queue:     queue,
		jobStore:  jobStore,
		blobStore: blobStore,
		hasher:    hasher,
		submitter: submitter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Enqueue records a queued job and hands it to the runners. If the queue
// refuses the item the record is closed as failed and the error returned.
func (p *Pool) Enqueue(ctx context.Context, job fleet.Job) error {
	now := p.clock.Now()
	if err := p.jobStore.CreateJob(ctx, fleet.JobRecord{
		ID:          job.ID,
		SubmittedAt: now,
		Deadline:    job.Deadline,
	}); err != nil {
		return fmt.Errorf("create job record: %w", err)
	}
	err := p.queue.Enqueue(ctx, fleet.QueueItem{
		JobID:     job.ID,
		Payload:   job.Payload,
		Deadline:  job.Deadline,
		Submitted: now,
	})
	if err == nil {
		return nil
	}
	outcome := fleet.Outcome{Kind: fleet.OutcomeFailed, Reason: "not queued: " + err.Error()}
	if cerr := p.jobStore.CompleteJob(ctx, job.ID, outcome, fleet.ArchiveRef{}, p.clock.Now()); cerr != nil {
		p.logger.Error("close unqueued job failed", zap.String("job_id", job.ID), zap.Error(cerr))
	}
	return fmt.Errorf("queue enqueue: %w", err)
}

// Run starts the runners and blocks until ctx is done and every runner has
// returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runner(ctx, n)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

func (p *Pool) runner(ctx context.Context, n int) {
	logger := p.logger.With(zap.Int("runner", n))
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		p.process(ctx, item, logger)
	}
}

func (p *Pool) process(ctx context.Context, item fleet.QueueItem, logger *zap.Logger) {
	if err := p.jobStore.MarkRunning(ctx, item.JobID, p.clock.Now()); err != nil {
		logger.Error("mark job running failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	outcome := p.submitter.Submit(ctx, fleet.Job{
		ID:       item.JobID,
		Payload:  item.Payload,
		Deadline: item.Deadline,
	})

	var archive fleet.ArchiveRef
	if outcome.Kind == fleet.OutcomeCompleted {
		archive = p.archive(ctx, item.JobID, outcome.Result, logger)
	}
	// The record must close even when the runner is shutting down.
	if err := p.jobStore.CompleteJob(context.WithoutCancel(ctx), item.JobID, outcome, archive, p.clock.Now()); err != nil {
		logger.Error("complete job failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

func (p *Pool) archive(ctx context.Context, jobID string, result []byte, logger *zap.Logger) fleet.ArchiveRef {
	if p.blobStore == nil || p.hasher == nil || len(result) == 0 {
		return fleet.ArchiveRef{}
	}
	digest, err := p.hasher.Hash(result)
	if err != nil {
		logger.Warn("hash result failed", zap.String("job_id", jobID), zap.Error(err))
		return fleet.ArchiveRef{}
	}
	uri, err := p.blobStore.PutObject(ctx, p.blobPath(jobID), p.cfg.ContentType, bytes.NewReader(result))
	if err != nil {
		logger.Warn("archive result failed", zap.String("job_id", jobID), zap.Error(err))
		return fleet.ArchiveRef{}
	}
	return fleet.ArchiveRef{URI: uri, Digest: digest}
}

func (p *Pool) blobPath(jobID string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return jobID + ".json"
	}
	return prefix + "/" + jobID + ".json"
}
