// Package config loads and validates the semrpc server configuration.
//
// Configuration is built in layers: built-in defaults, then each file added
// with AddLayer, then SEMRPC_* environment variables. Files may be JSON or
// YAML, chosen by extension, and only the keys a file sets override the
// layer below it.
//
//	loader := config.NewLoader()
//	loader.AddLayer("semrpc.yaml")
//	loader.AddLayer("semrpc.production.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Durations are written as strings ("250ms", "30s") or integer nanoseconds.
//
// # Sections
//
//	server    listener address, WebSocket path, HTTP prefix, limits, keepalive,
//	          per-connection call rate (call_rate, call_burst)
//	workers   task worker pool size and timeouts, options passed to tasks
//	nats      cross-process subscription broadcast (disabled by default)
//	amqp      AMQP transport (disabled by default)
//	metrics   Prometheus endpoint
//	security  TLS for the listeners and outbound broker connections
//
// # Environment Overrides
//
//	SEMRPC_SERVER_HOST, SEMRPC_SERVER_PORT, SEMRPC_SERVER_CALL_TIMEOUT
//	SEMRPC_WORKERS_SIZE
//	SEMRPC_NATS_ENABLED, SEMRPC_NATS_URLS (comma separated),
//	SEMRPC_NATS_SUBJECT_PREFIX, SEMRPC_NATS_USERNAME, SEMRPC_NATS_PASSWORD,
//	SEMRPC_NATS_TOKEN
//	SEMRPC_AMQP_ENABLED, SEMRPC_AMQP_URL, SEMRPC_AMQP_QUEUE
//	SEMRPC_METRICS_ENABLED, SEMRPC_METRICS_PORT
//
// SafeConfig wraps a Config for concurrent readers; Get returns a deep copy.
package config
