// Package health keeps worker state consistent with reality. It probes every
// node on its own schedule, drives the circuit breaker, and recycles workers
// that have spent their request budget.
package health

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
	"github.com/JakeFAU/scrape-fleet/internal/registry"
)

// Prober checks whether a worker is alive and accepting jobs.
type Prober interface {
	Probe(ctx context.Context, node fleet.WorkerNode) error
}

// Recycler asks a worker to replace its automation engine and confirms the
// fresh instance answers a health probe.
type Recycler interface {
	Recycle(ctx context.Context, node fleet.WorkerNode) error
}

// Config controls probe cadence and state machine thresholds.
type Config struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	CircuitCooldown  time.Duration
	RecycleBudget    int
}

const (
	defaultProbeInterval    = 10 * time.Second
	defaultProbeTimeout     = 3 * time.Second
	defaultFailureThreshold = 3
	defaultCircuitCooldown  = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = defaultCircuitCooldown
	}
	return c
}

// Policy returns the state machine thresholds for this config.
func (c Config) Policy() Policy {
	c = c.withDefaults()
	return Policy{
		FailureThreshold: c.FailureThreshold,
		CircuitCooldown:  c.CircuitCooldown,
		RecycleBudget:    c.RecycleBudget,
	}
}

// Monitor runs one probe loop per node and owns every state transition.
type Monitor struct {
	registry *registry.Registry
	prober   Prober
	recycler Recycler
	clock    fleet.Clock
	emitter  progress.Emitter
	logger   *zap.Logger
	cfg      Config
	policy   Policy

	mu      sync.Mutex
	loops   map[string]struct{}
	loopsWG sync.WaitGroup
}

// New creates a Monitor. recycler may be nil, in which case a recycle is a
// plain health probe against the (externally replaced) worker.
func New(
	reg *registry.Registry,
	prober Prober,
	recycler Recycler,
	clock fleet.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		registry: reg,
		prober:   prober,
		recycler: recycler,
		clock:    clock,
		emitter:  progress.OrDiscard(emitter),
		logger:   logger,
		cfg:      cfg,
		policy:   cfg.Policy(),
		loops:    make(map[string]struct{}),
	}
}

// Run starts an independent probe loop for every registered node, picks up
// nodes registered later, and blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.ensureLoops(ctx)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.loopsWG.Wait()
			m.mu.Lock()
			clear(m.loops)
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.ensureLoops(ctx)
		}
	}
}

func (m *Monitor) ensureLoops(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.registry.IDs() {
		if _, ok := m.loops[id]; ok {
			continue
		}
		m.loops[id] = struct{}{}
		m.loopsWG.Add(1)
		go func(id string) {
			defer m.loopsWG.Done()
			m.loop(ctx, id)
		}(id)
	}
}

func (m *Monitor) loop(ctx context.Context, id string) {
	// Stagger the first probe so nodes do not probe in lock-step.
	if !sleep(ctx, jitter(m.cfg.ProbeInterval)) {
		return
	}
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		if _, err := m.ProbeOnce(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("probe cycle failed", zap.String("worker_id", id), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeOnce runs a single probe cycle for one node and returns the applied
// transition. Nodes inside their circuit cool-down are skipped.
func (m *Monitor) ProbeOnce(ctx context.Context, id string) (Transition, error) {
	now := m.clock.Now()
	node, err := m.registry.Update(id, func(n *fleet.WorkerNode) { m.policy.EnforceBudget(n) })
	if err != nil {
		return Transition{}, fmt.Errorf("load worker: %w", err)
	}
	action := m.policy.Decide(node, now)
	if action == ActionSkip {
		return Transition{WorkerID: id, From: node.State, To: node.State}, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	probeErr := m.check(probeCtx, node, action)
	cancel()
	if ctx.Err() != nil {
		return Transition{}, fmt.Errorf("probe %s: %w", id, ctx.Err())
	}

	var t Transition
	at := m.clock.Now()
	_, err = m.registry.Update(id, func(n *fleet.WorkerNode) {
		if probeErr != nil {
			t = m.policy.ApplyFailure(n, action, at)
			return
		}
		t = m.policy.ApplySuccess(n, action, at)
	})
	if err != nil {
		return Transition{}, fmt.Errorf("update worker: %w", err)
	}
	m.publish(t, action, probeErr)
	return t, nil
}

func (m *Monitor) check(ctx context.Context, node fleet.WorkerNode, action Action) error {
	var err error
	if action == ActionRecycle && m.recycler != nil {
		err = m.recycler.Recycle(ctx, node)
	} else {
		err = m.prober.Probe(ctx, node)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, fleet.ErrProbeFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", fleet.ErrProbeFailure, err)
}

// ReportSuccess releases a node after a successful attempt: the request
// counts against the recycle budget and the failure streak resets.
func (m *Monitor) ReportSuccess(id string) error {
	var t Transition
	_, err := m.registry.Update(id, func(n *fleet.WorkerNode) {
		n.InFlight = false
		n.RequestsServedSinceRecycle++
		t = m.policy.ApplyAttemptSuccess(n)
		if m.policy.EnforceBudget(n) {
			t.To = n.State
		}
	})
	if err != nil {
		return fmt.Errorf("report success: %w", err)
	}
	m.publish(t, ActionSkip, nil)
	return nil
}

// ReportFailure releases a node after a failed attempt and feeds the failure
// into its circuit breaker.
func (m *Monitor) ReportFailure(id string, cause error) error {
	var t Transition
	at := m.clock.Now()
	_, err := m.registry.Update(id, func(n *fleet.WorkerNode) {
		n.InFlight = false
		t = m.policy.ApplyAttemptFailure(n, at)
	})
	if err != nil {
		return fmt.Errorf("report failure: %w", err)
	}
	m.publish(t, ActionSkip, cause)
	return nil
}

// Release frees a node without touching its health, for attempts that ended
// for reasons unrelated to the worker.
func (m *Monitor) Release(id string) error {
	if _, err := m.registry.Update(id, func(n *fleet.WorkerNode) { n.InFlight = false }); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (m *Monitor) publish(t Transition, action Action, cause error) {
	now := m.clock.Now()
	if t.Recycled {
		m.logger.Info("worker recycled", zap.String("worker_id", t.WorkerID))
		m.emitter.Emit(progress.Recycled(now, t.WorkerID, t.Served))
	}
	if !t.Changed() {
		return
	}
	note := action.String()
	if cause != nil {
		note = cause.Error()
	}
	m.logger.Info("worker state changed",
		zap.String("worker_id", t.WorkerID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("reason", note),
	)
	m.emitter.Emit(progress.HealthChange(now, t.WorkerID, t.From, t.To, note))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
