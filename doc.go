// Package semrpc is an application server core: a registry of named
// procedures exposed over a binary WebSocket protocol, plain HTTP and an
// AMQP request queue, backed by a pool of task workers.
//
// # Architecture
//
// The module is organized in three layers:
//
//	Protocol      wire, stream, subscription
//	Execution     procedure, rpc, pkg/pool, pkg/worker
//	Transports    transport/ws, transport/http, transport/amqp
//
// A call enters through a transport, is decoded into an rpc.Request and
// handed to the rpc.Dispatcher. The dispatcher looks the procedure up in the
// procedure.Registry, validates the input against its schema, runs guards
// and the handler under a deadline, and returns an Outcome: a plain value,
// a down-stream or a subscription. Transports decide how each kind is
// delivered. Only the WebSocket transport carries streams and
// subscriptions; HTTP serves down-streams as chunked bodies and rejects
// subscriptions with NotAcceptable.
//
// # WebSocket Protocol
//
// Every frame is a single binary message whose first byte is the frame type
// (see wire.Type). Structured payloads are JSON arrays and fixed-width
// integers are big-endian. Streams are credit-based in both directions:
// the receiver pulls, the sender pushes at most what was pulled. A call may
// announce up-streams in its Rpc frame; the handler reads them through
// procedure.Call.Stream.
//
// # Subscriptions
//
// subscription.Bridge fans published values out to every connection that
// subscribed to a key. With NATS enabled, publications are broadcast on
// "<subject_prefix>.subscriptions" so every server instance delivers them.
//
// # Tasks
//
// pkg/worker runs named tasks on a fixed set of workers that communicate
// with the pool only through messages. Callers wait for a free worker up to
// a pool timeout, may abort a running invocation, and a worker that panics
// is replaced. The same tasks run from the command line:
//
//	semrpc run sum 1 2 3
//
// # Running
//
//	semrpc --config semrpc.yaml
//	semrpc --config semrpc.yaml --validate
//
// Configuration is layered JSON or YAML files plus SEMRPC_* environment
// overrides; see package config. Prometheus metrics and a /health endpoint
// report transport, worker and broker state.
//
// # Extending
//
// Embed the server and register procedures before it starts:
//
//	srv, err := server.New(server.Options{
//		Config: cfg,
//		Procedures: func(r *procedure.Registry) error {
//			return r.Register(procedure.Procedure{
//				Name:    "greet",
//				Input:   procedure.JSON[GreetInput](),
//				Handler: greet,
//			})
//		},
//	})
//
// Custom tasks are supplied as a worker.RegistryFactory in Options.Tasks.
package semrpc
