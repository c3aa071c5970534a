package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/pkg/security"
)

func findFamily(t *testing.T, registry *MetricsRegistry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	require.NoError(t, registry.RegisterCounter("test-service", "test_counter", counter))
	counter.Inc()

	mf := findFamily(t, registry, "test_counter")
	require.NotNil(t, mf)
	assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", gauge))

	err := registry.RegisterGauge("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector name under another service key conflicts inside prometheus
	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	err = registry.RegisterGauge("other", "dup_gauge", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "h_vec", Help: "h"}, []string{"x"})
	require.NoError(t, registry.RegisterHistogramVec("svc", "h_vec", vec))

	assert.True(t, registry.Unregister("svc", "h_vec"))
	assert.False(t, registry.Unregister("svc", "h_vec"))
	require.NoError(t, registry.RegisterHistogramVec("svc", "h_vec", vec))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_%d", i)
			c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, []string{"l"})
			assert.NoError(t, registry.RegisterCounterVec("svc", name, c))
		}(i)
	}
	wg.Wait()
}

func TestMetricsRegistrar_Interface(_ *testing.T) {
	var _ MetricsRegistrar = NewMetricsRegistry()
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.ConnectionOpened("ws")
	m.ConnectionOpened("ws")
	m.ConnectionClosed("ws")
	m.RecordCall("ws", "system.ping", "", 2*time.Millisecond)
	m.RecordCall("ws", "system.ping", "NotFound", time.Millisecond)
	m.RecordStreamBytes("down", 128)
	m.RecordStreamBytes("down", 0)
	m.RecordProtocolError("truncated")
	m.SetNATSConnected(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive.WithLabelValues("ws")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("ws")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("ws", "system.ping", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("ws", "system.ping", "NotFound")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.StreamBytes.WithLabelValues("down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors.WithLabelValues("truncated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))

	assert.NotNil(t, findFamily(t, registry, "semrpc_rpc_calls_total"))
}

func TestCoreMetrics_NilSafe(_ *testing.T) {
	var m *Metrics
	m.RecordCall("ws", "p", "", time.Second)
	m.ConnectionOpened("ws")
	m.ConnectionClosed("ws")
	m.RecordStreamBytes("up", 1)
	m.RecordProtocolError("x")
	m.SetNATSConnected(false)
}

func TestServer_StartStop(t *testing.T) {
	registry := NewMetricsRegistry()
	server := NewServer("127.0.0.1:0", "", registry, security.Config{})

	errCh, err := server.Start()
	require.NoError(t, err)

	_, err = server.Start()
	assert.Error(t, err)

	registry.CoreMetrics().SetNATSConnected(true)

	resp, err := http.Get("http://" + server.Address() + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, families, "semrpc_rpc_calls_in_flight")
	require.Contains(t, families, "semrpc_nats_connected")
	assert.Equal(t, 1.0, families["semrpc_nats_connected"].GetMetric()[0].GetGauge().GetValue())
	assert.Contains(t, families, "go_goroutines")

	resp, err = http.Get("http://" + server.Address() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Stop(context.Background()))
	_, open := <-errCh
	assert.False(t, open)
}
