package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
)

// PrometheusSink exports fleet events via Prometheus. It owns the collectors
// for state transitions, recycles, attempts, and job outcomes.
type PrometheusSink struct {
	transitions  *prometheus.CounterVec
	openCircuits prometheus.Gauge
	recycles     *prometheus.CounterVec

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec

	outcomes    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	noEligible  prometheus.Counter

	circuits *circuitTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_worker_transitions_total",
			Help: "Worker state transitions partitioned by source and target state.",
		}, []string{"from", "to"}),
		openCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_open_circuits",
			Help: "Workers whose circuit breaker is currently open.",
		}),
		recycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_worker_recycles_total",
			Help: "Completed worker recycles.",
		}, []string{"worker"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_attempts_total",
			Help: "Dispatch attempts partitioned by worker and result.",
		}, []string{"worker", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_attempt_duration_seconds",
			Help:    "Attempt latency partitioned by result.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_jobs_total",
			Help: "Terminal job outcomes partitioned by kind.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_job_duration_seconds",
			Help:    "Wall time per job from submission to terminal outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
		noEligible: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_jobs_no_eligible_worker_total",
			Help: "Exhausted jobs that never found a selectable worker.",
		}),
		circuits: newCircuitTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.transitions,
		s.openCircuits,
		s.recycles,
		s.attempts,
		s.attemptDuration,
		s.outcomes,
		s.jobDuration,
		s.noEligible,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register fleet collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindHealthChange:
		s.transitions.WithLabelValues(string(evt.From), string(evt.To)).Inc()
		switch {
		case evt.To == fleet.StateCircuitOpen:
			if s.circuits.open(evt.WorkerID) {
				s.openCircuits.Inc()
			}
		case s.circuits.close(evt.WorkerID):
			s.openCircuits.Dec()
		}
	case progress.KindRecycle:
		s.recycles.WithLabelValues(evt.WorkerID).Inc()
	case progress.KindAttempt:
		s.attempts.WithLabelValues(evt.WorkerID, evt.Result).Inc()
		if evt.Dur > 0 {
			s.attemptDuration.WithLabelValues(evt.Result).Observe(evt.Dur.Seconds())
		}
	case progress.KindOutcome:
		s.outcomes.WithLabelValues(evt.Result).Inc()
		if evt.NoEligibleWorker {
			s.noEligible.Inc()
		}
		if evt.Dur > 0 {
			s.jobDuration.WithLabelValues(evt.Result).Observe(evt.Dur.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type circuitTracker struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newCircuitTracker() *circuitTracker {
	return &circuitTracker{ids: make(map[string]struct{})}
}

func (t *circuitTracker) open(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; ok {
		return false
	}
	t.ids[id] = struct{}{}
	return true
}

func (t *circuitTracker) close(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; !ok {
		return false
	}
	delete(t.ids, id)
	return true
}
