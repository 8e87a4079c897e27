package tasks

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. Put never blocks, so the capture loop can hand
// off work without waiting on slow I/O. Close acts as the shutdown sentinel:
// items already queued are still delivered, then Get reports ok=false.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put appends item at the tail. It returns false once the queue is closed.
func (q *Queue[T]) Put(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get blocks until an item is available, the queue is closed and drained
// (ok=false, nil error) or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (item T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return item, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return item, false, nil
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return item, false, ctx.Err()
		}
	}
}

// Close stops accepting new items. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
