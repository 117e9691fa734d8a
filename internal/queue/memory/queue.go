// Package memory provides the in-process queue used in single-machine modes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medregistry/harvester/internal/model"
)

// ErrClosed is returned by Dequeue once the queue has been drained and closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory work queue with context-aware operations.
type Queue struct {
	ch      chan model.WorkItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan model.WorkItem, capacity),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item model.WorkItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, waiting up to timeout. The boolean result is
// false on timeout so workers can run their empty-queue grace check.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (model.WorkItem, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return model.WorkItem{}, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-timer.C:
		return model.WorkItem{}, false, nil
	case item, ok := <-q.ch:
		if !ok {
			return model.WorkItem{}, false, ErrClosed
		}
		return item, true, nil
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
