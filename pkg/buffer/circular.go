package buffer

import (
	"context"
	"sync"
)

// circularBuffer is a mutex-guarded ring. Waiters block on signal channels
// that are closed and replaced on every state change, so they can also
// select on a context.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}

	stats   *Statistics
	metrics *Metrics
	opts    *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) *circularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
		stats:    NewStatistics(),
		metrics:  opts.metrics,
		opts:     opts,
	}
}

// broadcast wakes every goroutine waiting on *ch. mu must be held.
func broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

func (cb *circularBuffer[T]) Write(item T) error {
	return cb.WriteWithContext(context.Background(), item)
}

func (cb *circularBuffer[T]) WriteWithContext(ctx context.Context, item T) error {
	cb.mu.Lock()

	for {
		if cb.closed {
			cb.mu.Unlock()
			return ErrClosed
		}
		if cb.size < cb.capacity {
			break
		}

		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped := cb.pop()
			cb.recordDrop()
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(dropped)
			}
			cb.mu.Lock()
			continue

		case DropNewest:
			cb.recordDrop()
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return nil

		default:
			wait := cb.notFull
			cb.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
			cb.mu.Lock()
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	cb.metrics.recordWrite()
	broadcast(&cb.notEmpty)
	cb.mu.Unlock()
	return nil
}

// pop removes the oldest item. mu must be held and size must be positive.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	cb.stats.UpdateSize(int64(cb.size))
	broadcast(&cb.notFull)
	return item
}

func (cb *circularBuffer[T]) recordDrop() {
	cb.stats.Overflow()
	cb.stats.Drop()
	cb.metrics.recordDrop()
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	cb.stats.Read()
	cb.metrics.recordRead()
	return cb.pop(), true
}

func (cb *circularBuffer[T]) ReadWithContext(ctx context.Context) (T, error) {
	var zero T
	for {
		cb.mu.Lock()
		if cb.size > 0 {
			cb.stats.Read()
			cb.metrics.recordRead()
			item := cb.pop()
			cb.mu.Unlock()
			return item, nil
		}
		if cb.closed {
			cb.mu.Unlock()
			return zero, ErrClosed
		}
		wait := cb.notEmpty
		cb.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	broadcast(&cb.notEmpty)
	broadcast(&cb.notFull)
	return nil
}
