package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-fleet/internal/clock/system"
	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/hash/sha256"
	queuememory "github.com/JakeFAU/scrape-fleet/internal/queue/memory"
	"github.com/JakeFAU/scrape-fleet/internal/storage/memory"
)

type stubSubmitter struct {
	mu   sync.Mutex
	jobs []fleet.Job
	out  func(fleet.Job) fleet.Outcome
}

func (s *stubSubmitter) Submit(_ context.Context, job fleet.Job) fleet.Outcome {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return s.out(job)
}

func runPool(t *testing.T, p *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func waitTerminal(t *testing.T, store *memory.JobStore, id string) fleet.JobRecord {
	t.Helper()
	var rec fleet.JobRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = store.GetJob(context.Background(), id)
		return err == nil && rec.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestPoolCompletesAndArchives(t *testing.T) {
	t.Parallel()

	clk := system.New()
	queue := queuememory.NewQueue(4)
	jobs := memory.NewJobStore()
	blobs := memory.NewBlobStore()
	sub := &stubSubmitter{out: func(fleet.Job) fleet.Outcome {
		return fleet.Outcome{Kind: fleet.OutcomeCompleted, Result: []byte(`{"ok":true}`)}
	}}
	pool := NewPool(queue, jobs, blobs, sha256.New(), sub, clk, Config{Concurrency: 2, BlobPrefix: "/results/"}, nil)
	stop := runPool(t, pool)
	defer stop()

	deadline := clk.Now().Add(time.Minute)
	require.NoError(t, pool.Enqueue(context.Background(), fleet.Job{ID: "job-1", Payload: []byte("p"), Deadline: deadline}))

	rec := waitTerminal(t, jobs, "job-1")
	require.Equal(t, fleet.JobStatusCompleted, rec.Status)
	require.Equal(t, `{"ok":true}`, string(rec.Result))
	require.NotNil(t, rec.Archive)
	require.Equal(t, "memory://results/job-1.json", rec.Archive.URI)
	require.Contains(t, rec.Archive.Digest, "sha256:")

	archived, ct, err := blobs.GetObject(rec.Archive.URI)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(archived))
	require.Equal(t, "application/json", ct)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.jobs, 1)
	require.Equal(t, deadline, sub.jobs[0].Deadline)
}

func TestPoolRecordsFailure(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	sub := &stubSubmitter{out: func(fleet.Job) fleet.Outcome {
		return fleet.Outcome{Kind: fleet.OutcomeExhausted, NoEligibleWorker: true}
	}}
	pool := NewPool(queuememory.NewQueue(1), jobs, memory.NewBlobStore(), sha256.New(), sub, system.New(), Config{}, nil)
	stop := runPool(t, pool)
	defer stop()

	require.NoError(t, pool.Enqueue(context.Background(), fleet.Job{ID: "job-2", Payload: []byte("p"), Deadline: time.Now().Add(time.Minute)}))
	rec := waitTerminal(t, jobs, "job-2")
	require.Equal(t, fleet.JobStatusFailed, rec.Status)
	require.True(t, rec.Outcome.NoEligibleWorker)
	require.Nil(t, rec.Archive)
}

func TestPoolEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	queue := queuememory.NewQueue(1)
	pool := NewPool(queue, jobs, nil, nil, &stubSubmitter{}, system.New(), Config{}, nil)

	ctx := context.Background()
	require.NoError(t, pool.Enqueue(ctx, fleet.Job{ID: "a", Payload: []byte("p")}))
	err := pool.Enqueue(ctx, fleet.Job{ID: "b", Payload: []byte("p")})
	require.ErrorIs(t, err, queuememory.ErrQueueFull)

	rec, err := jobs.GetJob(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, fleet.JobStatusFailed, rec.Status)
	require.Contains(t, rec.Outcome.Reason, "not queued")

	require.ErrorIs(t, pool.Enqueue(ctx, fleet.Job{ID: "a", Payload: []byte("p")}), memory.ErrJobExists)
}

func TestJanitorSweep(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	ctx := context.Background()
	clk := system.New()
	old := clk.Now().Add(-3 * time.Hour)
	require.NoError(t, jobs.CreateJob(ctx, fleet.JobRecord{ID: "old", SubmittedAt: old}))
	require.NoError(t, jobs.CompleteJob(ctx, "old", fleet.Outcome{Kind: fleet.OutcomeCompleted}, fleet.ArchiveRef{}, old))
	require.NoError(t, jobs.CreateJob(ctx, fleet.JobRecord{ID: "new", SubmittedAt: clk.Now()}))

	j := NewJanitor(jobs, clk, 2*time.Hour, time.Minute, nil)
	removed, err := j.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, jobs.Len())
}

func TestJanitorRunStops(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	clk := system.New()
	require.NoError(t, jobs.CreateJob(context.Background(), fleet.JobRecord{ID: "stale", SubmittedAt: clk.Now().Add(-time.Hour)}))

	j := NewJanitor(jobs, clk, time.Minute, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return jobs.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
