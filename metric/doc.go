// Package metric provides Prometheus-based metrics for semrpc.
//
// A MetricsRegistry owns a private Prometheus registry with the core server
// metrics (connections, calls, streams, subscriptions, NATS status) plus Go
// runtime collectors. Components register their own collectors through the
// MetricsRegistrar methods; duplicate registrations return an invalid-class
// error instead of panicking.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordCall("ws", "system.ping", "", time.Millisecond)
//
//	server := metric.NewServer(":9090", "/metrics", registry, security.Config{})
//	errCh, err := server.Start()
//
// Metrics are optional everywhere: components accept a nil registry and the
// *Metrics helpers are nil-safe.
package metric
