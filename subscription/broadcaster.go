package subscription

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/natsclient"
)

// Envelope is one emission as it travels between processes
type Envelope struct {
	Origin  string          `json:"origin"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Broadcaster is the shared channel that keeps subscription state
// consistent across server processes. Publishing is fire-and-forget.
type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error

	// Listen delivers every envelope published by any process, in the
	// order the channel received them. The returned function stops it.
	Listen(ctx context.Context, handler func(Envelope)) (func() error, error)
}

// NATSBroadcaster carries envelopes on a single NATS subject
type NATSBroadcaster struct {
	client  *natsclient.Client
	subject string
}

// NewNATSBroadcaster creates a broadcaster on subject
func NewNATSBroadcaster(client *natsclient.Client, subject string) *NATSBroadcaster {
	return &NATSBroadcaster{client: client, subject: subject}
}

// Publish implements Broadcaster
func (n *NATSBroadcaster) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "NATSBroadcaster", "Publish", "marshal envelope")
	}
	return n.client.Publish(ctx, n.subject, data)
}

// Listen implements Broadcaster. Undecodable messages are dropped.
func (n *NATSBroadcaster) Listen(ctx context.Context, handler func(Envelope)) (func() error, error) {
	return n.client.Subscribe(ctx, n.subject, func(_ context.Context, data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Key == "" {
			return
		}
		handler(env)
	})
}

// MemoryBroadcaster connects bridges inside one process. Tests use it to
// stand in for several server processes sharing a broker.
type MemoryBroadcaster struct {
	mu        sync.RWMutex
	listeners map[int]func(Envelope)
	next      int
}

// NewMemoryBroadcaster creates an empty in-process channel
func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{listeners: make(map[int]func(Envelope))}
}

// Publish implements Broadcaster. Listeners run synchronously.
func (m *MemoryBroadcaster) Publish(_ context.Context, env Envelope) error {
	m.mu.RLock()
	listeners := make([]func(Envelope), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.RUnlock()

	for _, l := range listeners {
		l(env)
	}
	return nil
}

// Listen implements Broadcaster
func (m *MemoryBroadcaster) Listen(_ context.Context, handler func(Envelope)) (func() error, error) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = handler
	m.mu.Unlock()

	return func() error {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
		return nil
	}, nil
}
