// Package subscription fans keyed emissions out to live subscriptions in
// this process and, through a Broadcaster, in every other process.
package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/metric"
	"github.com/c360/semrpc/pkg/buffer"
)

// DefaultBufferSize is the per-subscription backlog before the oldest
// pending emission is dropped
const DefaultBufferSize = 256

// Bridge tracks live subscriptions by key
type Bridge struct {
	origin      string
	broadcaster Broadcaster
	logger      *slog.Logger
	bufferSize  int
	bufMetrics  *buffer.Metrics
	metrics     *metric.Metrics

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	stop   func() error
	closed bool
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBufferSize sets the per-subscription backlog
func WithBufferSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithMetrics reports subscription counts and buffer activity
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) {
		if registry == nil {
			return
		}
		b.metrics = registry.CoreMetrics()
		if m, err := buffer.NewMetrics(registry, "subscription"); err == nil {
			b.bufMetrics = m
		}
	}
}

// NewBridge creates a bridge. A nil broadcaster keeps delivery local.
func NewBridge(broadcaster Broadcaster, opts ...Option) *Bridge {
	b := &Bridge{
		origin:      uuid.NewString(),
		broadcaster: broadcaster,
		logger:      slog.Default(),
		bufferSize:  DefaultBufferSize,
		subs:        make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "subscription-bridge")
	return b
}

// Origin identifies this process on the broadcast channel
func (b *Bridge) Origin() string {
	return b.origin
}

// Start begins receiving emissions from other processes
func (b *Bridge) Start(ctx context.Context) error {
	if b.broadcaster == nil {
		return nil
	}
	stop, err := b.broadcaster.Listen(ctx, b.receive)
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Start", "listen on broadcast channel")
	}
	b.mu.Lock()
	b.stop = stop
	b.mu.Unlock()
	return nil
}

func (b *Bridge) receive(env Envelope) {
	if env.Origin == b.origin {
		return
	}
	b.deliver(env.Key, env.Payload)
}

// Publish delivers payload to local subscribers of key and broadcasts it
// to other processes
func (b *Bridge) Publish(ctx context.Context, key string, payload any) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Bridge", "Publish", "validate key")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "Publish", "marshal payload")
	}

	b.deliver(key, raw)

	if b.broadcaster == nil {
		return nil
	}
	if err := b.broadcaster.Publish(ctx, Envelope{Origin: b.origin, Key: key, Payload: raw}); err != nil {
		return errors.WrapTransient(err, "Bridge", "Publish", "broadcast emission")
	}
	return nil
}

func (b *Bridge) deliver(key string, payload json.RawMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[key] {
		_ = sub.buf.Write(payload)
	}
}

// Subscribe registers a new live subscription for key
func (b *Bridge) Subscribe(key string) (*Subscription, error) {
	if key == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Bridge", "Subscribe", "validate key")
	}

	sub := &Subscription{
		Key:    key,
		bridge: b,
		done:   make(chan struct{}),
		buf: buffer.NewCircularBuffer[json.RawMessage](b.bufferSize,
			buffer.WithOverflowPolicy[json.RawMessage](buffer.DropOldest),
			buffer.WithMetrics[json.RawMessage](b.bufMetrics),
		),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "Bridge", "Subscribe", "register subscription")
	}
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[key] = set
	}
	set[sub] = struct{}{}
	b.metrics.SubscriptionAdded()
	return sub, nil
}

func (b *Bridge) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.Key]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.Key)
	}
	b.metrics.SubscriptionRemoved()
}

// Subscribers returns the number of live local subscriptions for key
func (b *Bridge) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Close stops listening and ends every live subscription
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stop := b.stop
	var live []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			live = append(live, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range live {
		sub.Unsubscribe()
	}
	if stop != nil {
		return stop()
	}
	return nil
}
