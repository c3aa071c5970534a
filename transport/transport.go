// Package transport defines the contract shared by the network front ends
// that carry procedure calls into the dispatcher.
package transport

import (
	"context"
	"net/http"
)

// Transport names, used as the rpc.Request transport and in procedure
// transport restrictions
const (
	NameWebSocket = "ws"
	NameHTTP      = "http"
	NameAMQP      = "amqp"
)

// Transport accepts calls from one kind of client connection
type Transport interface {
	// Name returns the transport name
	Name() string

	// Start begins accepting calls. It returns once the transport is ready.
	Start(ctx context.Context) error

	// Stop closes all client connections and stops accepting new ones
	Stop(ctx context.Context) error
}

// HTTPHandler is implemented by transports served from the shared HTTP
// listener
type HTTPHandler interface {
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}
