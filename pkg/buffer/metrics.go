package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semrpc/metric"
)

// Metrics holds Prometheus counters shared by every buffer created with
// WithMetrics. One Metrics instance serves many short-lived buffers, so
// only aggregate counters are kept.
type Metrics struct {
	writes prometheus.Counter
	reads  prometheus.Counter
	drops  prometheus.Counter
}

// NewMetrics creates and registers buffer metrics labeled with component
func NewMetrics(registry *metric.MetricsRegistry, component string) (*Metrics, error) {
	labels := prometheus.Labels{"component": component}
	m := &Metrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "semrpc",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of buffer writes",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "semrpc",
			Subsystem:   "buffer",
			Name:        "reads_total",
			ConstLabels: labels,
			Help:        "Total number of buffer reads",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "semrpc",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped due to overflow",
		}),
	}

	if err := registry.RegisterCounter(component, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "buffer_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "buffer_drops", m.drops); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordWrite() {
	if m != nil {
		m.writes.Inc()
	}
}

func (m *Metrics) recordRead() {
	if m != nil {
		m.reads.Inc()
	}
}

func (m *Metrics) recordDrop() {
	if m != nil {
		m.drops.Inc()
	}
}
