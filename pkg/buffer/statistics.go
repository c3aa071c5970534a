package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity. Counters are updated atomically and
// may be read at any time.
type Statistics struct {
	writes    int64
	reads     int64
	overflows int64
	drops     int64
	size      int64
	maxSize   int64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records a write
func (s *Statistics) Write() { atomic.AddInt64(&s.writes, 1) }

// Read records a read
func (s *Statistics) Read() { atomic.AddInt64(&s.reads, 1) }

// Overflow records a write that found the buffer full
func (s *Statistics) Overflow() { atomic.AddInt64(&s.overflows, 1) }

// Drop records an item discarded by the overflow policy
func (s *Statistics) Drop() { atomic.AddInt64(&s.drops, 1) }

// UpdateSize records the current size and tracks the high-water mark
func (s *Statistics) UpdateSize(size int64) {
	atomic.StoreInt64(&s.size, size)
	for {
		max := atomic.LoadInt64(&s.maxSize)
		if size <= max || atomic.CompareAndSwapInt64(&s.maxSize, max, size) {
			return
		}
	}
}

// Writes returns the total number of writes
func (s *Statistics) Writes() int64 { return atomic.LoadInt64(&s.writes) }

// Reads returns the total number of reads
func (s *Statistics) Reads() int64 { return atomic.LoadInt64(&s.reads) }

// Overflows returns the total number of overflow events
func (s *Statistics) Overflows() int64 { return atomic.LoadInt64(&s.overflows) }

// Drops returns the total number of dropped items
func (s *Statistics) Drops() int64 { return atomic.LoadInt64(&s.drops) }

// CurrentSize returns the most recently recorded size
func (s *Statistics) CurrentSize() int64 { return atomic.LoadInt64(&s.size) }

// MaxSize returns the largest size observed
func (s *Statistics) MaxSize() int64 { return atomic.LoadInt64(&s.maxSize) }

// DropRate returns drops per write (0.0 to 1.0)
func (s *Statistics) DropRate() float64 {
	writes := s.Writes()
	if writes == 0 {
		return 0.0
	}
	return float64(s.Drops()) / float64(writes)
}

// StatsSummary is a snapshot of all statistics
type StatsSummary struct {
	Writes      int64   `json:"writes"`
	Reads       int64   `json:"reads"`
	Overflows   int64   `json:"overflows"`
	Drops       int64   `json:"drops"`
	CurrentSize int64   `json:"current_size"`
	MaxSize     int64   `json:"max_size"`
	DropRate    float64 `json:"drop_rate"`
}

// Summary returns a snapshot of all statistics
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		DropRate:    s.DropRate(),
	}
}
