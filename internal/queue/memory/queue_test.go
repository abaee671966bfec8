package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan fleet.QueueItem, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			result <- item
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), fleet.QueueItem{JobID: "job-1"}))
	select {
	case got := <-result:
		require.Equal(t, "job-1", got.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueFullFailsFast(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), fleet.QueueItem{JobID: "a"}))
	require.Equal(t, 1, q.Len())

	start := time.Now()
	err := q.Enqueue(context.Background(), fleet.QueueItem{JobID: "b"})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestQueueCancellation(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, q.Enqueue(ctx, fleet.QueueItem{JobID: "x"}), context.Canceled)
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), fleet.QueueItem{JobID: "left"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), fleet.QueueItem{JobID: "late"}), ErrQueueClosed)
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "left", item.JobID)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrQueueClosed)
}
