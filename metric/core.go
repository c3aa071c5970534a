package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semrpc"

// Metrics contains the server-level metrics shared by every transport
type Metrics struct {
	// Connections
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec

	// Calls
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	CallsInFlight prometheus.Gauge

	// Streams and subscriptions
	StreamBytes         *prometheus.CounterVec
	StreamsActive       *prometheus.GaugeVec
	SubscriptionsActive prometheus.Gauge
	ProtocolErrors      *prometheus.CounterVec

	// Broker
	NATSConnected prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "active",
				Help:      "Currently open client connections",
			},
			[]string{"transport"},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "total",
				Help:      "Total accepted client connections",
			},
			[]string{"transport"},
		),
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Total procedure calls by outcome",
			},
			[]string{"transport", "procedure", "code"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Time from dispatch to settled result",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"transport", "procedure"},
		),
		CallsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_in_flight",
			Help:      "Procedure calls currently executing",
		}),
		StreamBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "streams",
				Name:      "bytes_total",
				Help:      "Bytes transferred over streams",
			},
			[]string{"direction"},
		),
		StreamsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "streams",
				Name:      "active",
				Help:      "Open streams",
			},
			[]string{"direction"},
		),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Live subscriptions across all connections",
		}),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "errors_total",
				Help:      "Malformed or unexpected frames",
			},
			[]string{"kind"},
		),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.CallsTotal,
		m.CallDuration,
		m.CallsInFlight,
		m.StreamBytes,
		m.StreamsActive,
		m.SubscriptionsActive,
		m.ProtocolErrors,
		m.NATSConnected,
	}
}

// RecordCall records a settled procedure call
func (m *Metrics) RecordCall(transport, procedure, code string, duration time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.CallsTotal.WithLabelValues(transport, procedure, code).Inc()
	m.CallDuration.WithLabelValues(transport, procedure).Observe(duration.Seconds())
}

// ConnectionOpened records a newly accepted connection
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(transport).Inc()
	m.ConnectionsActive.WithLabelValues(transport).Inc()
}

// ConnectionClosed records a closed connection
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(transport).Dec()
}

// RecordStreamBytes adds transferred bytes for "up" or "down"
func (m *Metrics) RecordStreamBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StreamBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordProtocolError counts a malformed or unexpected frame
func (m *Metrics) RecordProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// SetNATSConnected updates the NATS connection status
func (m *Metrics) SetNATSConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// CallStarted marks a call as in flight
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsInFlight.Inc()
}

// CallFinished removes a call from the in-flight gauge
func (m *Metrics) CallFinished() {
	if m == nil {
		return
	}
	m.CallsInFlight.Dec()
}

// StreamOpened records a new "up" or "down" stream
func (m *Metrics) StreamOpened(direction string) {
	if m == nil {
		return
	}
	m.StreamsActive.WithLabelValues(direction).Inc()
}

// StreamClosed records a stream reaching a terminal state
func (m *Metrics) StreamClosed(direction string) {
	if m == nil {
		return
	}
	m.StreamsActive.WithLabelValues(direction).Dec()
}

// SubscriptionAdded counts a live subscription
func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Inc()
}

// SubscriptionRemoved uncounts a subscription
func (m *Metrics) SubscriptionRemoved() {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Dec()
}
