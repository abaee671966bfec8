package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
	"github.com/JakeFAU/scrape-fleet/internal/store"
)

// TestStoreSinkPersistsEvents ensures counters are collapsed per worker before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []progress.Event{
		progress.AttemptDone(now, "job-1", 1, fleet.Attempt{WorkerID: "http://w1", Result: fleet.AttemptFailed}),
		progress.HealthChange(now.Add(time.Second), "http://w1", fleet.StateHealthy, fleet.StateDegraded, "boom"),
		progress.AttemptDone(now.Add(2*time.Second), "job-1", 2, fleet.Attempt{
			WorkerID: "http://w2",
			Result:   fleet.AttemptSucceeded,
			Duration: 1500 * time.Millisecond,
		}),
		progress.AttemptDone(now.Add(3*time.Second), "job-2", 1, fleet.Attempt{WorkerID: "http://w1", Result: fleet.AttemptTimedOut}),
		progress.HealthChange(now.Add(4*time.Second), "http://w1", fleet.StateDegraded, fleet.StateCircuitOpen, ""),
		progress.OutcomeDone(now.Add(5*time.Second), "job-1", fleet.Outcome{Kind: fleet.OutcomeCompleted}, 5*time.Second),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.appended, 1)
	require.Len(t, repo.appended[0], len(batch))
	require.Equal(t, int64(1500), repo.appended[0][2].DurationMS)
	require.Equal(t, "COMPLETED", repo.appended[0][5].Result)

	require.Len(t, repo.deltas, 2)
	w1, w2 := repo.deltas[0], repo.deltas[1]
	require.Equal(t, "http://w1", w1.WorkerID)
	require.Equal(t, int64(2), w1.Attempts)
	require.Equal(t, int64(2), w1.Failed)
	require.Equal(t, int64(1), w1.CircuitOpens)
	require.Equal(t, "CIRCUIT_OPEN", w1.LastState)
	require.Equal(t, now.Add(4*time.Second), w1.At)

	require.Equal(t, "http://w2", w2.WorkerID)
	require.Equal(t, int64(1), w2.Succeeded)
	require.Empty(t, w2.LastState)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		progress.Recycled(time.Now(), "http://w1", 3),
	})
	require.Error(t, err)
	require.Empty(t, repo.deltas)
}

type fakeEventRepo struct {
	fail     bool
	appended [][]store.EventRecord
	deltas   []store.StatsDelta
}

func (f *fakeEventRepo) AppendEvents(_ context.Context, events []store.EventRecord) error {
	if f.fail {
		return errors.New("boom")
	}
	f.appended = append(f.appended, events)
	return nil
}

func (f *fakeEventRepo) UpsertWorkerStats(_ context.Context, delta store.StatsDelta) error {
	if f.fail {
		return errors.New("boom")
	}
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeEventRepo) ListWorkerEvents(context.Context, string, int, int) ([]store.EventRecord, error) {
	return nil, nil
}

func (f *fakeEventRepo) ListJobEvents(context.Context, string) ([]store.EventRecord, error) {
	return nil, nil
}

func (f *fakeEventRepo) GetWorkerStats(context.Context, string) (store.WorkerStats, error) {
	return store.WorkerStats{}, store.ErrNotFound
}

func (f *fakeEventRepo) ListWorkerStats(context.Context, int, int) ([]store.WorkerStats, error) {
	return nil, nil
}
