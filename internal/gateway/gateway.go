// Package gateway is the caller-facing contract of the fleet: submit a job,
// read the fleet status.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/registry"
)

// Submitter runs a job to completion.
type Submitter interface {
	Submit(ctx context.Context, job fleet.Job) fleet.Outcome
}

// Config holds gateway defaults.
type Config struct {
	// DefaultDeadline applies when a caller passes no deadline hint.
	DefaultDeadline time.Duration
	// MaxDeadline caps how far in the future a caller may set a deadline.
	MaxDeadline time.Duration
	MaxAttempts int
}

const defaultDeadline = 2 * time.Minute

// Gateway validates submissions and delegates to the dispatcher and registry.
type Gateway struct {
	registry  *registry.Registry
	submitter Submitter
	ids       fleet.IDGenerator
	clock     fleet.Clock
	cfg       Config
	logger    *zap.Logger
}

// New creates a Gateway.
func New(reg *registry.Registry, submitter Submitter, ids fleet.IDGenerator, clock fleet.Clock, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = defaultDeadline
	}
	return &Gateway{
		registry:  reg,
		submitter: submitter,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Request is one caller submission. A zero Deadline selects the default.
type Request struct {
	// JobID lets callers pre-assign an id (async submissions); empty generates one.
	JobID    string
	Payload  []byte
	Deadline time.Time
}

// Resolve validates a request and turns it into a Job without running it.
func (g *Gateway) Resolve(req Request) (fleet.Job, error) {
	if len(req.Payload) == 0 {
		return fleet.Job{}, fmt.Errorf("%w: payload is empty", fleet.ErrInvalidJob)
	}
	now := g.clock.Now()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(g.cfg.DefaultDeadline)
	}
	if !deadline.After(now) {
		return fleet.Job{}, fmt.Errorf("%w: deadline %s is not in the future", fleet.ErrInvalidJob, deadline.Format(time.RFC3339Nano))
	}
	if g.cfg.MaxDeadline > 0 && deadline.Sub(now) > g.cfg.MaxDeadline {
		deadline = now.Add(g.cfg.MaxDeadline)
	}
	id := req.JobID
	if id == "" {
		var err error
		if id, err = g.ids.NewID(); err != nil {
			return fleet.Job{}, fmt.Errorf("job id: %w", err)
		}
	}
	return fleet.Job{
		ID:          id,
		Payload:     req.Payload,
		Deadline:    deadline,
		MaxAttempts: g.cfg.MaxAttempts,
	}, nil
}

// SubmitJob validates the request and runs it. Invalid input returns an
// error wrapping fleet.ErrInvalidJob; every accepted job yields an Outcome.
func (g *Gateway) SubmitJob(ctx context.Context, req Request) (string, fleet.Outcome, error) {
	job, err := g.Resolve(req)
	if err != nil {
		return "", fleet.Outcome{}, err
	}
	g.logger.Debug("job accepted", zap.String("job_id", job.ID), zap.Time("deadline", job.Deadline))
	return job.ID, g.submitter.Submit(ctx, job), nil
}

// FleetStatus returns a read-only snapshot of every worker, sorted by id.
func (g *Gateway) FleetStatus() []fleet.WorkerStatus {
	nodes := g.registry.List(nil)
	out := make([]fleet.WorkerStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, fleet.StatusOf(n))
	}
	return out
}

// Ready reports whether at least one worker can take a job.
func (g *Gateway) Ready() bool {
	return len(g.registry.List(func(n fleet.WorkerNode) bool {
		return n.State == fleet.StateHealthy && !n.Drained
	})) > 0
}

// RegisterWorker adds a worker endpoint at runtime.
func (g *Gateway) RegisterWorker(endpoint string) (fleet.WorkerStatus, error) {
	n, err := g.registry.Register(endpoint)
	if err != nil {
		return fleet.WorkerStatus{}, fmt.Errorf("register worker: %w", err)
	}
	g.logger.Info("worker registered", zap.String("worker_id", n.ID))
	return fleet.StatusOf(n), nil
}

// DrainWorker takes a worker out of rotation; it stays listed in the status.
func (g *Gateway) DrainWorker(endpoint string) (fleet.WorkerStatus, error) {
	id, err := fleet.WorkerID(endpoint)
	if err != nil {
		return fleet.WorkerStatus{}, fmt.Errorf("drain worker: %w", err)
	}
	n, err := g.registry.Drain(id)
	if err != nil {
		return fleet.WorkerStatus{}, fmt.Errorf("drain worker: %w", err)
	}
	g.logger.Info("worker drained", zap.String("worker_id", n.ID))
	return fleet.StatusOf(n), nil
}
