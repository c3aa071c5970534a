// Package ws serves the binary RPC protocol over WebSocket connections.
//
// # Overview
//
// Each accepted connection gets a Connection that owns everything the
// client opened on it: in-flight calls, up-streams announced with calls,
// down-streams returned by procedures, and subscriptions. All of it is
// released when the connection closes, for any reason, and the
// connection's scope is disposed once the last call has returned.
//
// # Quick Start
//
//	dispatcher, _ := rpc.NewDispatcher(rpc.Config{Registry: registry})
//	server, err := ws.New(dispatcher, ws.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	_ = server.Start(ctx)
//	server.RegisterHTTPHandlers("", mux)
//
// # Frames
//
// Only binary messages carry protocol frames; text messages are ignored.
// A frame that cannot be decoded closes the connection with the WebSocket
// protocol error close code. Frames of unknown type are logged and dropped.
//
// # Flow Control
//
// Outgoing frames go through a bounded queue drained by a single writer
// goroutine. Down-streams pause when the queue passes its high-water mark
// and resume once it drains below the low-water mark, or when the client
// sends a continuation pull. Up-streams are pulled one chunk at a time as
// the procedure reads them.
//
// # Keepalive
//
// The server pings every PingInterval and drops connections that have not
// answered within PongWait.
package ws
