// Package pool provides a generic exclusive-resource pool with a FIFO wait
// queue and per-capture timeouts.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semrpc/metric"
)

// waiter is a queued Capture. ch has capacity one so a release never blocks
// on a waiter that has not been scheduled yet.
type waiter[T comparable] struct {
	ch       chan T
	resolved bool
}

// Pool rotates exclusive access to a set of items. An item is either free
// or captured. Waiters are served strictly in arrival order and each
// waiter is settled exactly once, by a release or by its timeout.
type Pool[T comparable] struct {
	mu      sync.Mutex
	items   map[T]struct{}
	free    []T
	waiters []*waiter[T]
	closed  bool

	// Statistics (atomic)
	captures int64
	waits    int64
	timeouts int64

	metrics         *Metrics
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for pool monitoring
type Metrics struct {
	size     prometheus.Gauge
	free     prometheus.Gauge
	waiting  prometheus.Gauge
	timeouts prometheus.Counter
	waitTime prometheus.Histogram
}

// Option configures a Pool
type Option[T comparable] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry[T comparable](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// New creates an empty pool
func New[T comparable](opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{items: make(map[T]struct{})}
	for _, opt := range opts {
		opt(p)
	}
	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		p.initializeMetrics()
	}
	return p
}

func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix
	m := &Metrics{
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_items", Help: "Items known to the pool",
		}),
		free: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_free", Help: "Items currently free",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_waiting", Help: "Captures queued for a free item",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_capture_timeouts_total", Help: "Captures rejected after waiting too long",
		}),
		waitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_capture_wait_seconds",
			Help:    "Time spent waiting for a free item",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	serviceName := "resource_pool"
	_ = p.metricsRegistry.RegisterGauge(serviceName, prefix+"_items", m.size)
	_ = p.metricsRegistry.RegisterGauge(serviceName, prefix+"_free", m.free)
	_ = p.metricsRegistry.RegisterGauge(serviceName, prefix+"_waiting", m.waiting)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_capture_timeouts_total", m.timeouts)
	_ = p.metricsRegistry.RegisterHistogram(serviceName, prefix+"_capture_wait_seconds", m.waitTime)
	p.metrics = m
}

// updateGauges must be called with mu held
func (p *Pool[T]) updateGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.size.Set(float64(len(p.items)))
	p.metrics.free.Set(float64(len(p.free)))
	p.metrics.waiting.Set(float64(len(p.waiters)))
}

// Add inserts a new free item. If captures are waiting, the oldest one
// receives the item immediately.
func (p *Pool[T]) Add(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.items[item]; ok {
		return ErrAlreadyPresent
	}
	p.items[item] = struct{}{}
	p.handOff(item)
	p.updateGauges()
	return nil
}

// Capture takes a free item, waiting up to timeout for one to be released.
// A zero timeout waits until ctx is done. Capture fails immediately with
// ErrEmptyPool when no items were ever added.
func (p *Pool[T]) Capture(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if len(p.items) == 0 {
		p.mu.Unlock()
		return zero, ErrEmptyPool
	}
	if len(p.free) > 0 {
		item := p.free[0]
		p.free = p.free[1:]
		p.updateGauges()
		p.mu.Unlock()
		atomic.AddInt64(&p.captures, 1)
		return item, nil
	}

	w := &waiter[T]{ch: make(chan T, 1)}
	p.waiters = append(p.waiters, w)
	p.updateGauges()
	p.mu.Unlock()

	atomic.AddInt64(&p.waits, 1)
	start := time.Now()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case item, ok := <-w.ch:
		return p.captured(item, ok, start)
	case <-timeoutCh:
		if item, ok, settled := p.abandon(w); settled {
			return p.captured(item, ok, start)
		}
		atomic.AddInt64(&p.timeouts, 1)
		if p.metrics != nil {
			p.metrics.timeouts.Inc()
		}
		return zero, ErrTimeout
	case <-ctx.Done():
		if item, ok, settled := p.abandon(w); settled {
			return p.captured(item, ok, start)
		}
		return zero, ctx.Err()
	}
}

func (p *Pool[T]) captured(item T, ok bool, start time.Time) (T, error) {
	if !ok {
		var zero T
		return zero, ErrClosed
	}
	atomic.AddInt64(&p.captures, 1)
	if p.metrics != nil {
		p.metrics.waitTime.Observe(time.Since(start).Seconds())
	}
	return item, nil
}

// abandon removes w from the queue. If a release already settled w, the
// delivered item is returned instead so it is never lost.
func (p *Pool[T]) abandon(w *waiter[T]) (T, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.resolved {
		item, ok := <-w.ch
		return item, ok, true
	}
	w.resolved = true
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.updateGauges()
	var zero T
	return zero, false, false
}

// handOff gives item to the oldest waiter or marks it free. mu must be held.
func (p *Pool[T]) handOff(item T) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.resolved = true
		w.ch <- item
		return
	}
	p.free = append(p.free, item)
}

// Release returns a captured item
func (p *Pool[T]) Release(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.items[item]; !ok {
		return ErrUnknownItem
	}
	if p.isFree(item) {
		return ErrNotCaptured
	}
	if p.closed {
		p.free = append(p.free, item)
		return nil
	}
	p.handOff(item)
	p.updateGauges()
	return nil
}

// Remove deletes a free item. Captured items must be released first.
func (p *Pool[T]) Remove(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.items[item]; !ok {
		return ErrUnknownItem
	}
	idx := p.freeIndex(item)
	if idx < 0 {
		return ErrCaptured
	}
	p.free = append(p.free[:idx], p.free[idx+1:]...)
	delete(p.items, item)
	p.updateGauges()
	return nil
}

// Forget deletes an item regardless of its state. It is used when the
// resource behind a captured item is gone and will never be released.
func (p *Pool[T]) Forget(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.items[item]; !ok {
		return false
	}
	if idx := p.freeIndex(item); idx >= 0 {
		p.free = append(p.free[:idx], p.free[idx+1:]...)
	}
	delete(p.items, item)
	p.updateGauges()
	return true
}

// Close rejects every queued capture with ErrClosed and refuses new ones.
// Items may still be released and removed after Close.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		w.resolved = true
		close(w.ch)
	}
	p.waiters = nil
	p.updateGauges()
}

// Contains reports whether item is known to the pool
func (p *Pool[T]) Contains(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[item]
	return ok
}

// Items returns a snapshot of all known items
func (p *Pool[T]) Items() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, 0, len(p.items))
	for item := range p.items {
		out = append(out, item)
	}
	return out
}

func (p *Pool[T]) isFree(item T) bool {
	return p.freeIndex(item) >= 0
}

func (p *Pool[T]) freeIndex(item T) int {
	for i, f := range p.free {
		if f == item {
			return i
		}
	}
	return -1
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	size, free, waiting := len(p.items), len(p.free), len(p.waiters)
	p.mu.Unlock()

	return Stats{
		Size:     size,
		Free:     free,
		Waiting:  waiting,
		Captures: atomic.LoadInt64(&p.captures),
		Waits:    atomic.LoadInt64(&p.waits),
		Timeouts: atomic.LoadInt64(&p.timeouts),
	}
}

// Stats represents pool statistics
type Stats struct {
	Size     int   `json:"size"`
	Free     int   `json:"free"`
	Waiting  int   `json:"waiting"`
	Captures int64 `json:"captures"`
	Waits    int64 `json:"waits"`
	Timeouts int64 `json:"timeouts"`
}
