// Package buffer provides generic, thread-safe bounded queues with overflow
// policies. Subscriptions use them to decouple broker delivery from a slow
// connection writer.
package buffer

import (
	"context"
)

// Buffer is a bounded FIFO of items of type T
type Buffer[T any] interface {
	// Write adds an item. Behavior when full depends on the overflow policy.
	Write(item T) error

	// WriteWithContext is Write that gives up when ctx is done under the Block policy
	WriteWithContext(ctx context.Context, item T) error

	// Read removes the oldest item without waiting
	Read() (T, bool)

	// ReadWithContext waits for an item. It returns ErrClosed once the
	// buffer is closed and drained.
	ReadWithContext(ctx context.Context) (T, error)

	// Size returns the current number of items
	Size() int

	// Capacity returns the maximum number of items
	Capacity() int

	// Stats returns buffer statistics
	Stats() *Statistics

	// Close stops accepting writes and wakes all waiters. Items already
	// queued can still be read.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes writes to wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped by the overflow policy
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer with the given capacity
func NewCircularBuffer[T any](capacity int, options ...Option[T]) Buffer[T] {
	return newCircularBuffer(capacity, applyOptions(options...))
}
