package procedure

import (
	"context"
	stderrors "errors"
	"sync"
)

// Scope is a bundle of resolved dependencies with a bounded lifetime. A
// connection owns one scope and every call derives a child from it.
type Scope interface {
	// Value returns a dependency by key, searching parent scopes
	Value(key any) any

	// Derive creates a child scope
	Derive() Scope

	// Dispose releases the scope. Only the first call has effect.
	Dispose(ctx context.Context) error
}

// ScopeFactory creates the root scope for a new connection
type ScopeFactory func(ctx context.Context, info ConnectionInfo) (Scope, error)

// ConnectionInfo describes a newly accepted connection
type ConnectionInfo struct {
	ID         string
	Transport  string
	RemoteAddr string
	Headers    map[string][]string
}

// MapScope is a Scope backed by a map with dispose hooks run in reverse
// registration order
type MapScope struct {
	parent *MapScope

	mu       sync.RWMutex
	values   map[any]any
	hooks    []func(context.Context) error
	disposed bool
}

// NewMapScope creates a root scope
func NewMapScope(values map[any]any) *MapScope {
	s := &MapScope{values: make(map[any]any, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// DefaultScopeFactory creates empty MapScopes
func DefaultScopeFactory(_ context.Context, _ ConnectionInfo) (Scope, error) {
	return NewMapScope(nil), nil
}

// Set stores a value in this scope
func (s *MapScope) Set(key, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Value implements Scope
func (s *MapScope) Value(key any) any {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.values[key]
		cur.mu.RUnlock()
		if ok {
			return v
		}
	}
	return nil
}

// Derive implements Scope
func (s *MapScope) Derive() Scope {
	return &MapScope{parent: s, values: make(map[any]any)}
}

// OnDispose registers a cleanup hook
func (s *MapScope) OnDispose(fn func(context.Context) error) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Disposed reports whether Dispose has run
func (s *MapScope) Disposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}

// Dispose implements Scope. Every hook runs even if an earlier one fails;
// the failures are joined.
func (s *MapScope) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
