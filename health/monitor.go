package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Check computes the current status of a component on demand
type Check func(ctx context.Context) Status

// Monitor tracks component health. Statuses are either pushed with Update
// or pulled from registered checks by Refresh.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Update records status under name
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy marks name healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks name unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks name degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// AddCheck registers a check evaluated on every Refresh
func (m *Monitor) AddCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Refresh evaluates every check and records the results. Checks run
// outside the lock so a slow check never blocks readers.
func (m *Monitor) Refresh(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, p := range m.checks {
		checks[name] = p
	}
	m.mu.RUnlock()

	for name, check := range checks {
		m.Update(name, check(ctx))
	}
}

// Get returns the last status recorded for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// GetAll returns a copy of every recorded status
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// Remove forgets name and its check
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// AggregateHealth rolls every recorded status into one, ordered by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(systemName, subs)
}

// Components returns the names with a recorded status, sorted
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
