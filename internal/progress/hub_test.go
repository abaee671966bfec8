package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindHealthChange))
	hub.Emit(sampleEvent(KindOutcome))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindRecycle))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Emit(sampleEvent(KindRecycle))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 2
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWhenFull asserts Emit never blocks callers and counts drops.
func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(KindHealthChange))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped())
}

// TestHubDiscardsInvalidEvents keeps malformed events away from sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Kind: KindAttempt, TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.True(t, sink.closed)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(KindOutcome))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)

	hub.Emit(sampleEvent(KindOutcome))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{name: "health ok", evt: HealthChange(now, "w", fleet.StateHealthy, fleet.StateDegraded, "")},
		{name: "health bad state", evt: HealthChange(now, "w", fleet.StateHealthy, "BOGUS", ""), wantErr: true},
		{name: "attempt ok", evt: AttemptDone(now, "job", 1, fleet.Attempt{WorkerID: "w", Result: fleet.AttemptSucceeded})},
		{name: "attempt zero", evt: AttemptDone(now, "job", 0, fleet.Attempt{WorkerID: "w"}), wantErr: true},
		{name: "outcome ok", evt: OutcomeDone(now, "job", fleet.Outcome{Kind: fleet.OutcomeCompleted}, time.Second)},
		{name: "outcome no job", evt: OutcomeDone(now, "", fleet.Outcome{Kind: fleet.OutcomeCompleted}, 0), wantErr: true},
		{name: "missing ts", evt: Event{Kind: KindRecycle, WorkerID: "w"}, wantErr: true},
		{name: "unknown kind", evt: Event{Kind: "NOPE", TS: now}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(kind Kind) Event {
	now := time.Now()
	switch kind {
	case KindHealthChange:
		return HealthChange(now, "http://w1", fleet.StateHealthy, fleet.StateDegraded, "probe failed")
	case KindRecycle:
		return Recycled(now, "http://w1", 5)
	case KindAttempt:
		return AttemptDone(now, "job-1", 1, fleet.Attempt{WorkerID: "http://w1", Result: fleet.AttemptSucceeded})
	default:
		return OutcomeDone(now, "job-1", fleet.Outcome{Kind: fleet.OutcomeCompleted}, time.Second)
	}
}
