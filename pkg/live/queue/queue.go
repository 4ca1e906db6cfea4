// Package queue provides the FIFOs used by the capture sender and the
// playback scheduler.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue: closed")

// Queue holds elements in arrival order. Consumed slots are reclaimed
// once they make up half the backing slice. Not safe for concurrent use.
type Queue[T any] struct {
	items []T
	head  int
}

func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

// Dequeue pops the oldest element; ok is false when nothing is queued.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	if q.head == len(q.items) {
		return item, false
	}
	item = q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
	} else if q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items, q.head = q.items[:n], 0
	}
	return item, true
}

// Peek is Dequeue without the removal.
func (q *Queue[T]) Peek() (item T, ok bool) {
	if q.head == len(q.items) {
		return item, false
	}
	return q.items[q.head], true
}

func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}

// Clear drops every element and keeps the backing array.
func (q *Queue[T]) Clear() {
	clear(q.items)
	q.items, q.head = q.items[:0], 0
}

// Bounded is a concurrent FIFO whose Push never blocks. When full, the
// oldest element is dropped to make room.
type Bounded[T any] struct {
	mu     sync.Mutex
	q      *Queue[T]
	limit  int
	ready  chan struct{}
	closed bool
}

// NewBounded creates a Bounded queue holding at most limit elements.
// limit <= 0 means unbounded.
func NewBounded[T any](limit int) *Bounded[T] {
	return &Bounded[T]{
		q:     New[T](),
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push appends item. It reports whether an older element was dropped and
// returns false for ok if the queue is closed.
func (b *Bounded[T]) Push(item T) (dropped bool, ok bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, false
	}
	if b.limit > 0 && b.q.Len() >= b.limit {
		b.q.Dequeue()
		dropped = true
	}
	b.q.Enqueue(item)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return dropped, true
}

// Pop blocks until an element is available, ctx is done or the queue is
// closed and drained.
func (b *Bounded[T]) Pop(ctx context.Context) (T, error) {
	for {
		b.mu.Lock()
		item, ok := b.q.Dequeue()
		closed := b.closed
		remaining := b.q.Len()
		b.mu.Unlock()

		if ok {
			if remaining > 0 {
				select {
				case b.ready <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-b.ready:
		}
	}
}

// Len returns the number of queued elements.
func (b *Bounded[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Len()
}

// Close stops accepting new elements. Queued elements can still be popped.
func (b *Bounded[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
