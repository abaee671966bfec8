// Package dispatcher places jobs on workers, failing over across the fleet
// until a job completes, its attempts run out, or its deadline passes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
	"github.com/JakeFAU/scrape-fleet/internal/registry"
)

// Forwarder delivers a job to one worker and returns its raw result.
// Implementations return an error wrapping fleet.ErrJobRejected when the
// worker refuses the job itself.
type Forwarder interface {
	Forward(ctx context.Context, node fleet.WorkerNode, req fleet.AttemptRequest) ([]byte, error)
}

// Reporter releases reserved nodes and feeds attempt results into their
// health state.
type Reporter interface {
	ReportSuccess(id string) error
	ReportFailure(id string, cause error) error
	Release(id string) error
}

// Config tunes retries, timeouts, and selection.
type Config struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	Backoff        Backoff
	// NoEligibleRetries bounds how many extra selection rounds are spent
	// waiting for a healthy node to appear when none exists.
	NoEligibleRetries int
	TieBreak          TieBreak
	// RetryOnTimeout allows failing over after an attempt whose outcome is
	// unknown. When false such a job ends FAILED.
	RetryOnTimeout bool
	// DeadlineSlack keeps every attempt timeout strictly inside the job deadline.
	DeadlineSlack time.Duration
}

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultDeadlineSlack  = 25 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.NoEligibleRetries < 0 {
		c.NoEligibleRetries = 0
	}
	if c.TieBreak == "" {
		c.TieBreak = TieBreakEarliestProbe
	}
	if c.DeadlineSlack <= 0 {
		c.DeadlineSlack = defaultDeadlineSlack
	}
	return c
}

// Dispatcher runs the select, reserve, forward, release loop for each job.
type Dispatcher struct {
	registry  *registry.Registry
	forwarder Forwarder
	reporter  Reporter
	clock     fleet.Clock
	emitter   progress.Emitter
	tracer    trace.Tracer
	logger    *zap.Logger
	cfg       Config
}

// New creates a Dispatcher.
func New(
	reg *registry.Registry,
	forwarder Forwarder,
	reporter Reporter,
	clock fleet.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  reg,
		forwarder: forwarder,
		reporter:  reporter,
		clock:     clock,
		emitter:   progress.OrDiscard(emitter),
		tracer:    otel.Tracer("github.com/JakeFAU/scrape-fleet/internal/dispatcher"),
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Submit runs job to a terminal outcome. It blocks for at most the time left
// until job.Deadline and never attempts the same worker twice.
func (d *Dispatcher) Submit(ctx context.Context, job fleet.Job) fleet.Outcome {
	start := d.clock.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch.submit", trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	out := d.run(ctx, job)

	span.SetAttributes(
		attribute.String("job.outcome", string(out.Kind)),
		attribute.Int("job.attempts", len(out.Attempts)),
		attribute.Bool("job.no_eligible_worker", out.NoEligibleWorker),
	)
	if out.Kind != fleet.OutcomeCompleted {
		span.SetStatus(codes.Error, string(out.Kind))
	}
	finished := d.clock.Now()
	d.emitter.Emit(progress.OutcomeDone(finished, job.ID, out, finished.Sub(start)))
	d.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("outcome", string(out.Kind)),
		zap.Strings("workers", out.WorkerIDs()),
		zap.Bool("no_eligible_worker", out.NoEligibleWorker),
		zap.String("reason", out.Reason),
	)
	return out
}

func (d *Dispatcher) run(ctx context.Context, job fleet.Job) fleet.Outcome {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	remaining := job.Deadline.Sub(d.clock.Now())
	if remaining <= 0 {
		return deadlineExceeded(nil)
	}
	ctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	jobDeadline, _ := ctx.Deadline()

	tried := make(map[string]struct{}, maxAttempts)
	attempts := make([]fleet.Attempt, 0, maxAttempts)
	idleRounds, noEligibleRounds := 0, 0

	for len(attempts) < maxAttempts {
		if out, done := d.checkContext(ctx, attempts); done {
			return out
		}
		remaining = time.Until(jobDeadline)

		snapshot := d.registry.List(nil)
		node, ok := Select(snapshot, tried, d.cfg.TieBreak)
		if !ok {
			busy := untriedHealthy(snapshot, tried)
			if !busy {
				noEligibleRounds++
				if noEligibleRounds > d.cfg.NoEligibleRetries {
					return exhausted(attempts)
				}
			}
			wait := d.cfg.Backoff.Delay(idleRounds)
			idleRounds++
			if wait >= remaining {
				if busy {
					return deadlineExceeded(attempts)
				}
				return exhausted(attempts)
			}
			d.logger.Debug("no candidate worker, backing off",
				zap.String("job_id", job.ID),
				zap.Bool("fleet_busy", busy),
				zap.Duration("wait", wait),
			)
			sleep(ctx, wait)
			continue
		}

		timeout := min(d.cfg.AttemptTimeout, remaining-d.cfg.DeadlineSlack)
		if timeout <= 0 {
			return deadlineExceeded(attempts)
		}
		reserved, err := d.registry.TryReserve(node.ID)
		if err != nil || !reserved {
			// Another job took the node between snapshot and reserve.
			continue
		}
		idleRounds = 0

		n := len(attempts) + 1
		attempt, result := d.attempt(ctx, job, node, n, timeout)
		attempts = append(attempts, attempt)
		tried[node.ID] = struct{}{}
		d.emitter.Emit(progress.AttemptDone(d.clock.Now(), job.ID, n, attempt))

		switch attempt.Result {
		case fleet.AttemptSucceeded:
			return fleet.Outcome{Kind: fleet.OutcomeCompleted, Result: result, Attempts: attempts}
		case fleet.AttemptRejected:
			return failed(attempts, "rejected by worker: "+attempt.Error)
		case fleet.AttemptCanceled:
			return failed(attempts, "canceled")
		case fleet.AttemptTimedOut:
			if ctx.Err() != nil {
				return deadlineExceeded(attempts)
			}
			if !d.cfg.RetryOnTimeout {
				return failed(attempts, "outcome unknown: attempt timed out")
			}
		}
	}
	return exhausted(attempts)
}

func (d *Dispatcher) checkContext(ctx context.Context, attempts []fleet.Attempt) (fleet.Outcome, bool) {
	switch err := ctx.Err(); {
	case err == nil:
		return fleet.Outcome{}, false
	case errors.Is(err, context.DeadlineExceeded):
		return deadlineExceeded(attempts), true
	default:
		return failed(attempts, "canceled"), true
	}
}

type forwardResult struct {
	body []byte
	err  error
}

// attempt forwards the job to a reserved node and releases it. A result that
// arrives after the attempt timeout is discarded.
func (d *Dispatcher) attempt(
	ctx context.Context,
	job fleet.Job,
	node fleet.WorkerNode,
	n int,
	timeout time.Duration,
) (fleet.Attempt, []byte) {
	ctx, span := d.tracer.Start(ctx, "dispatch.attempt", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("worker.id", node.ID),
		attribute.Int("attempt", n),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	ch := make(chan forwardResult, 1)
	go func() {
		body, err := d.forwarder.Forward(attemptCtx, node, fleet.AttemptRequest{
			JobID:   job.ID,
			Attempt: n,
			Payload: job.Payload,
		})
		ch <- forwardResult{body: body, err: err}
	}()

	var res forwardResult
	select {
	case res = <-ch:
	case <-attemptCtx.Done():
		res = forwardResult{err: attemptCtx.Err()}
	}

	attempt := fleet.Attempt{WorkerID: node.ID, Duration: time.Since(started)}
	var reportErr error
	switch {
	case res.err == nil:
		attempt.Result = fleet.AttemptSucceeded
		reportErr = d.reporter.ReportSuccess(node.ID)
	case errors.Is(res.err, fleet.ErrJobRejected):
		attempt.Result = fleet.AttemptRejected
		reportErr = d.reporter.Release(node.ID)
	case errors.Is(ctx.Err(), context.Canceled):
		attempt.Result = fleet.AttemptCanceled
		reportErr = d.reporter.Release(node.ID)
	case errors.Is(res.err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		attempt.Result = fleet.AttemptTimedOut
		reportErr = d.reporter.ReportFailure(node.ID, fmt.Errorf("%w: timed out after %s", fleet.ErrAttemptFailure, timeout))
	default:
		attempt.Result = fleet.AttemptFailed
		reportErr = d.reporter.ReportFailure(node.ID, fmt.Errorf("%w: %v", fleet.ErrAttemptFailure, res.err))
	}
	if res.err != nil {
		attempt.Error = res.err.Error()
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(attempt.Result))
	}
	if reportErr != nil {
		d.logger.Error("release worker failed", zap.String("worker_id", node.ID), zap.Error(reportErr))
	}
	span.SetAttributes(attribute.String("attempt.result", string(attempt.Result)))
	d.logger.Debug("attempt finished",
		zap.String("job_id", job.ID),
		zap.String("worker_id", node.ID),
		zap.Int("attempt", n),
		zap.String("result", string(attempt.Result)),
		zap.Duration("duration", attempt.Duration),
	)
	if attempt.Result != fleet.AttemptSucceeded {
		return attempt, nil
	}
	return attempt, res.body
}

func exhausted(attempts []fleet.Attempt) fleet.Outcome {
	return fleet.Outcome{
		Kind:             fleet.OutcomeExhausted,
		NoEligibleWorker: len(attempts) == 0,
		Attempts:         attempts,
	}
}

func deadlineExceeded(attempts []fleet.Attempt) fleet.Outcome {
	return fleet.Outcome{Kind: fleet.OutcomeDeadlineExceeded, Attempts: attempts}
}

func failed(attempts []fleet.Attempt, reason string) fleet.Outcome {
	return fleet.Outcome{Kind: fleet.OutcomeFailed, Reason: reason, Attempts: attempts}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
