package health

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateOverridesComponentName(t *testing.T) {
	m := NewMonitor()
	m.Update("ws", NewHealthy("something-else", "ok"))

	got, ok := m.Get("ws")
	require.True(t, ok)
	assert.Equal(t, "ws", got.Component)
	assert.False(t, got.Timestamp.IsZero())
}

func TestMonitor_ConvenienceMethods(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "")
	m.UpdateDegraded("b", "")
	m.UpdateUnhealthy("c", "")

	all := m.GetAll()
	assert.True(t, all["a"].IsHealthy())
	assert.True(t, all["b"].IsDegraded())
	assert.True(t, all["c"].IsUnhealthy())
	assert.Equal(t, []string{"a", "b", "c"}, m.Components())
}

func TestMonitor_Checks(t *testing.T) {
	m := NewMonitor()
	healthy := true
	m.AddCheck("nats", func(context.Context) Status {
		if healthy {
			return NewHealthy("nats", "connected")
		}
		return NewUnhealthy("nats", "disconnected")
	})

	_, ok := m.Get("nats")
	assert.False(t, ok, "checks are evaluated lazily")

	m.Refresh(context.Background())
	assert.True(t, m.AggregateHealth("semrpc").IsHealthy())

	healthy = false
	m.Refresh(context.Background())
	agg := m.AggregateHealth("semrpc")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 1)
	assert.Equal(t, "disconnected", agg.SubStatuses[0].Message)
}

func TestMonitor_RemoveDropsCheck(t *testing.T) {
	m := NewMonitor()
	m.AddCheck("x", func(context.Context) Status { return NewUnhealthy("x", "") })
	m.Refresh(context.Background())
	m.Remove("x")
	m.Refresh(context.Background())

	assert.Empty(t, m.Components())
	assert.True(t, m.AggregateHealth("semrpc").IsHealthy())
}

func TestMonitor_AggregateIsSorted(t *testing.T) {
	m := NewMonitor()
	for _, name := range []string{"workers", "amqp", "nats"} {
		m.UpdateHealthy(name, "")
	}
	agg := m.AggregateHealth("semrpc")
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "amqp", agg.SubStatuses[0].Component)
	assert.Equal(t, "workers", agg.SubStatuses[2].Component)
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		name := fmt.Sprintf("c%d", i%5)
		go func() {
			defer wg.Done()
			m.UpdateHealthy(name, "")
		}()
		go func() {
			defer wg.Done()
			m.AddCheck(name, func(context.Context) Status { return NewDegraded(name, "") })
			m.Refresh(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("semrpc")
		}()
	}
	wg.Wait()
	assert.Len(t, m.Components(), 5)
}
