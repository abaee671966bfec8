package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateJob(ctx, fleet.JobRecord{ID: "job-1", SubmittedAt: t0}))
	require.ErrorIs(t, store.CreateJob(ctx, fleet.JobRecord{ID: "job-1"}), ErrJobExists)

	rec, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, fleet.JobStatusQueued, rec.Status)

	require.NoError(t, store.MarkRunning(ctx, "job-1", t0.Add(time.Second)))
	outcome := fleet.Outcome{
		Kind:     fleet.OutcomeCompleted,
		Result:   []byte(`{"ok":true}`),
		Attempts: []fleet.Attempt{{WorkerID: "http://w1", Result: fleet.AttemptSucceeded}},
	}
	archive := fleet.ArchiveRef{URI: "memory://results/job-1.json", Digest: "sha256:abc"}
	require.NoError(t, store.CompleteJob(ctx, "job-1", outcome, archive, t0.Add(2*time.Second)))

	rec, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, fleet.JobStatusCompleted, rec.Status)
	require.Equal(t, t0.Add(time.Second), *rec.StartedAt)
	require.Equal(t, t0.Add(2*time.Second), *rec.FinishedAt)
	require.Equal(t, []byte(`{"ok":true}`), rec.Result)
	require.Nil(t, rec.Outcome.Result)
	require.Equal(t, "memory://results/job-1.json", rec.Archive.URI)

	outcome.Attempts[0].WorkerID = "mutated"
	rec, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "http://w1", rec.Outcome.Attempts[0].WorkerID)
}

func TestJobStoreFailedOutcome(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, fleet.JobRecord{ID: "job-2"}))
	require.NoError(t, store.CompleteJob(ctx, "job-2", fleet.Outcome{Kind: fleet.OutcomeExhausted, NoEligibleWorker: true}, fleet.ArchiveRef{}, time.Now()))

	rec, err := store.GetJob(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, fleet.JobStatusFailed, rec.Status)
	require.NotNil(t, rec.StartedAt)
	require.Nil(t, rec.Archive)
	require.True(t, rec.Outcome.NoEligibleWorker)
}

func TestJobStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, fleet.ErrJobNotFound)
	require.ErrorIs(t, store.MarkRunning(context.Background(), "missing", time.Now()), fleet.ErrJobNotFound)
}

func TestJobStorePrune(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateJob(ctx, fleet.JobRecord{ID: "old-done", SubmittedAt: t0}))
	require.NoError(t, store.CompleteJob(ctx, "old-done", fleet.Outcome{Kind: fleet.OutcomeCompleted}, fleet.ArchiveRef{}, t0.Add(time.Minute)))
	require.NoError(t, store.CreateJob(ctx, fleet.JobRecord{ID: "stalled", SubmittedAt: t0}))
	require.NoError(t, store.MarkRunning(ctx, "stalled", t0))
	require.NoError(t, store.CreateJob(ctx, fleet.JobRecord{ID: "recent-done", SubmittedAt: t0}))
	require.NoError(t, store.CompleteJob(ctx, "recent-done", fleet.Outcome{Kind: fleet.OutcomeFailed}, fleet.ArchiveRef{}, t0.Add(3*time.Hour)))
	require.NoError(t, store.CreateJob(ctx, fleet.JobRecord{ID: "fresh", SubmittedAt: t0.Add(3 * time.Hour)}))

	removed, err := store.Prune(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, 2, store.Len())
	_, err = store.GetJob(ctx, "recent-done")
	require.NoError(t, err)
	_, err = store.GetJob(ctx, "fresh")
	require.NoError(t, err)
}
