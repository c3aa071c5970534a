// Package natsclient wraps a core NATS connection for the subscription
// bridge.
//
// The client adds three things on top of nats.go:
//
//   - Connect retries transient dial failures using pkg/retry.
//   - A circuit breaker stops hammering an unreachable server. After the
//     configured number of consecutive failures the client refuses work for
//     a backoff period that doubles up to WithMaxBackoff.
//   - Health changes are reported through WithHealthChangeCallback so the
//     server can export broker connectivity as a metric and health check.
//
// Only core publish/subscribe is used. Emissions are fire-and-forget;
// a process that misses one because it was disconnected does not replay it.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("semrpc"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	unsubscribe, err := client.Subscribe(ctx, "semrpc.subscriptions", handle)
//
// For tests, NewTestClient starts a NATS server in a container via
// testcontainers and returns a connected client.
package natsclient
