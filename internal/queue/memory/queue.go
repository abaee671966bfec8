// Package memory provides the in-process queue feeding async job runners.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// Queue errors.
var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded in-memory queue. Enqueue never blocks: a full queue is
// reported to the caller so the API can shed load instead of stalling.
type Queue struct {
	ch     chan fleet.QueueItem
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue holding up to capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan fleet.QueueItem, capacity)}
}

// Enqueue adds an item, failing fast when the queue is full or closed.
func (q *Queue) Enqueue(ctx context.Context, item fleet.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", item.JobID, ErrQueueFull)
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (fleet.QueueItem, error) {
	select {
	case <-ctx.Done():
		return fleet.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return fleet.QueueItem{}, ErrQueueClosed
		}
		return item, nil
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake. Items already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
