// Package procedure defines remotely callable procedures and the explicit
// registry the dispatcher resolves them from.
package procedure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/stream"
)

// Handler executes a procedure. input is the parsed payload. The result is
// a plain JSON-serializable value, a stream.Source, or a subscription.
type Handler func(ctx context.Context, call *Call, input any) (any, error)

// Guard authorizes a call before the handler runs. A returned *errors.APIError
// is forwarded to the client as is.
type Guard func(ctx context.Context, call *Call) error

// Procedure is a registered remote-callable handler
type Procedure struct {
	Name        string
	Description string

	// Input parses and validates the raw payload. Nil passes the payload
	// through as json.RawMessage.
	Input Parser

	// Output validates plain results before they are sent. Nil skips it.
	Output Parser

	Guards []Guard

	// Timeout bounds the handler. Zero uses the dispatcher default.
	Timeout time.Duration

	// Transports restricts the procedure to the named transports. Empty allows all.
	Transports []string

	Handler Handler
}

// AllowsTransport reports whether the procedure may be called over transport
func (p *Procedure) AllowsTransport(transport string) bool {
	if len(p.Transports) == 0 {
		return true
	}
	for _, t := range p.Transports {
		if t == transport {
			return true
		}
	}
	return false
}

// Call carries per-call information into a handler
type Call struct {
	ID           uint64
	Procedure    string
	Transport    string
	ConnectionID string
	Scope        Scope
	Logger       *slog.Logger

	// Streams holds up-streams announced with the request, keyed by id
	Streams map[uint32]*stream.Up

	// Notify pushes a server event to the calling connection. It is nil for
	// transports without a persistent connection.
	Notify func(event string, data any) error
}

// Stream returns the announced up-stream with the given id
func (c *Call) Stream(id uint32) (*stream.Up, error) {
	if up, ok := c.Streams[id]; ok {
		return up, nil
	}
	return nil, errors.APIErrorf(errors.CodeStreamNotFound, "stream %d was not announced", id)
}

// Registry maps procedure names to procedures. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu         sync.RWMutex
	procedures map[string]*Procedure
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{procedures: make(map[string]*Procedure)}
}

// Register adds a procedure. Names must be unique.
func (r *Registry) Register(p Procedure) error {
	if p.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("empty name"), "Registry", "Register", "validate procedure")
	}
	if p.Handler == nil {
		return errors.WrapInvalid(fmt.Errorf("procedure %s has no handler", p.Name),
			"Registry", "Register", "validate procedure")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procedures[p.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("procedure %s already registered", p.Name),
			"Registry", "Register", "duplicate registration")
	}
	r.procedures[p.Name] = &p
	return nil
}

// MustRegister is Register that panics on error, for static wiring
func (r *Registry) MustRegister(procs ...Procedure) {
	for _, p := range procs {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Lookup resolves a procedure by name
func (r *Registry) Lookup(name string) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procedures[name]
	return p, ok
}

// Names returns the sorted procedure names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseInput runs the input parser, passing raw JSON through when none is set
func (p *Procedure) ParseInput(raw json.RawMessage) (any, error) {
	if p.Input == nil {
		return raw, nil
	}
	return p.Input.Parse(raw)
}
