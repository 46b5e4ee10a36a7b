package buffer

import (
	"sync"
)

// Queue is a thread-safe bounded FIFO. When full, the oldest items are dropped
// to make room, never the newest.
type Queue[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
}

// New creates a new Queue with the specified capacity. A capacity below one is
// treated as one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends items and returns the ones evicted to stay within capacity,
// oldest first.
func (q *Queue[T]) Push(items ...T) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.data = append(q.data, items...)
	return q.trimLocked()
}

// Drain removes and returns every queued item, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.data) == 0 {
		return nil
	}
	items := q.data
	q.data = make([]T, 0, q.capacity)
	return items
}

// Items returns a copy of the queued items, oldest first.
func (q *Queue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]T(nil), q.data...)
}

// Retain keeps only the items for which keep returns true, preserving order,
// and returns how many were removed.
func (q *Queue[T]) Retain(keep func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.data[:0]
	for _, item := range q.data {
		if keep(item) {
			kept = append(kept, item)
		}
	}
	removed := len(q.data) - len(kept)
	var zero T
	for i := len(kept); i < len(q.data); i++ {
		q.data[i] = zero
	}
	q.data = kept
	return removed
}

// Replace swaps the queue contents, trimming the oldest items beyond capacity.
func (q *Queue[T]) Replace(items []T) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.data = append(make([]T, 0, q.capacity), items...)
	return q.trimLocked()
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Cap returns the maximum number of items retained.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) trimLocked() []T {
	over := len(q.data) - q.capacity
	if over <= 0 {
		return nil
	}
	evicted := append([]T(nil), q.data[:over]...)
	q.data = append(q.data[:0], q.data[over:]...)
	return evicted
}
