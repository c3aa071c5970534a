package pool

import "errors"

// Sentinel errors for pool operations. Callers branch on them: ErrTimeout
// means the pool is busy, the others indicate a caller defect.
var (
	// ErrEmptyPool indicates Capture on a pool with no items
	ErrEmptyPool = errors.New("pool is empty")

	// ErrAlreadyPresent indicates Add of an item the pool already holds
	ErrAlreadyPresent = errors.New("item already in pool")

	// ErrNotCaptured indicates Release of an item that is already free
	ErrNotCaptured = errors.New("item is not captured")

	// ErrUnknownItem indicates Release or Remove of an item the pool does not hold
	ErrUnknownItem = errors.New("item not in pool")

	// ErrCaptured indicates Remove of an item that is still captured
	ErrCaptured = errors.New("item is captured")

	// ErrTimeout indicates Capture waited longer than its timeout
	ErrTimeout = errors.New("pool capture timed out")

	// ErrClosed indicates the pool no longer hands out items
	ErrClosed = errors.New("pool closed")
)
