// Package memory provides the in-process FIFO queues that connect pipeline stages.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Queue is a logically unbounded FIFO safe for concurrent producers and consumers.
// Depth is policed by callers (see Len); Push never blocks.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	ready chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
	}
}

// Push appends items in order and wakes one waiting consumer.
func (q *Queue[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.signal()
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	var zero T
	if q.lenLocked() == 0 {
		q.mu.Unlock()
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	remaining := q.lenLocked()
	q.compactLocked()
	q.mu.Unlock()
	if remaining > 0 {
		// pass the wakeup along so other waiters see the rest
		q.signal()
	}
	return item, true
}

// PopN removes up to n of the oldest items.
func (q *Queue[T]) PopN(n int) []T {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if avail := q.lenLocked(); n > avail {
		n = avail
	}
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[q.head:q.head+n])
	var zero T
	for i := q.head; i < q.head+n; i++ {
		q.items[i] = zero
	}
	q.head += n
	q.compactLocked()
	return out
}

// Len reports the current depth.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Wait blocks until something is pushed, idle elapses, or ctx ends. A nil return does
// not guarantee an item is available; callers re-check with TryPop.
func (q *Queue[T]) Wait(ctx context.Context, idle time.Duration) error {
	if idle <= 0 {
		idle = time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue wait canceled: %w", ctx.Err())
	case <-q.ready:
		return nil
	case <-timer.C:
		return nil
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

// compactLocked releases the consumed prefix once it dominates the backing array.
func (q *Queue[T]) compactLocked() {
	if q.head == 0 {
		return
	}
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head >= 1024 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		var zero T
		for i := n; i < len(q.items); i++ {
			q.items[i] = zero
		}
		q.items = q.items[:n]
		q.head = 0
	}
}
