package ws

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/rpc"
	"github.com/c360/semrpc/stream"
	"github.com/c360/semrpc/subscription"
	"github.com/c360/semrpc/transport"
	"github.com/c360/semrpc/wire"
)

// errConnectionClosed fails streams that were open when the connection went away
var errConnectionClosed = errors.NewAPIError(errors.CodeStreamAborted, "connection closed")

// Connection is one accepted websocket client. Frames are handled one at a
// time in arrival order by the read loop; calls run concurrently and their
// responses may be sent in any order.
type Connection struct {
	ID string

	server   *Server
	conn     *websocket.Conn
	out      *outbox
	logger   *slog.Logger
	scope    procedure.Scope
	calls    *rpc.CallTable
	limiter  *rate.Limiter
	metadata map[string]string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	ups       map[uint32]*stream.Up
	downs     map[uint32]*stream.Down
	subs      map[string]*subscription.Subscription
	nextDown  uint32
	closeOnce sync.Once
	wg        sync.WaitGroup

	framesIn    atomic.Uint64
	connectedAt time.Time
}

func newConnection(s *Server, id string, conn *websocket.Conn, scope procedure.Scope, metadata map[string]string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:          id,
		server:      s,
		conn:        conn,
		logger:      s.logger.With("connection_id", id),
		scope:       scope,
		calls:       rpc.NewCallTable(),
		metadata:    metadata,
		ctx:         ctx,
		cancel:      cancel,
		ups:         make(map[uint32]*stream.Up),
		downs:       make(map[uint32]*stream.Down),
		subs:        make(map[string]*subscription.Subscription),
		connectedAt: time.Now(),
	}
	if s.cfg.CallRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.CallRate), s.cfg.CallBurst)
	}
	c.out = newOutbox(conn, s.cfg.WriteQueue, s.cfg.WriteTimeout, s.bufMetrics)
	c.out.onDrain = c.resumeDowns
	c.out.onError = func(err error) {
		c.logger.Debug("Write failed", "error", err)
		go c.close(websocket.CloseAbnormalClosure, "")
	}
	return c
}

// serve runs the connection until the client goes away or the server stops
func (c *Connection) serve() {
	go c.out.run()
	go c.keepalive()

	c.conn.SetReadLimit(c.server.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Connection read failed", "error", err)
			}
			c.close(websocket.CloseNormalClosure, "")
			return
		}
		c.framesIn.Add(1)
		if msgType != websocket.BinaryMessage {
			c.server.metrics.RecordProtocolError("text_message")
			c.logger.Debug("Ignoring non-binary message")
			continue
		}
		if err := c.handleFrame(data); err != nil {
			c.server.metrics.RecordProtocolError("malformed")
			c.logger.Warn("Protocol error, closing connection", "error", err)
			c.close(websocket.CloseProtocolError, "protocol error")
			return
		}
	}
}

// keepalive pings the client and gives up when pongs stop arriving
func (c *Connection) keepalive() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.server.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// handleFrame routes one frame. A returned error is a protocol violation
// that ends the connection.
func (c *Connection) handleFrame(frame []byte) error {
	t, payload, err := wire.Decode(frame)
	if err != nil {
		return err
	}

	switch t {
	case wire.TypeRPC:
		return c.handleRPC(payload)
	case wire.TypeRPCAbort:
		callID, err := wire.DecodeRPCAbort(payload)
		if err != nil {
			return err
		}
		if c.calls.Abort(callID) {
			c.logger.Debug("Call aborted by client", "call_id", callID)
		}
		return nil
	case wire.TypeClientStreamPush:
		id, chunk, err := wire.DecodeStreamFrame(payload)
		if err != nil {
			return err
		}
		c.pushUp(id, chunk)
		return nil
	case wire.TypeClientStreamEnd, wire.TypeClientStreamAbort:
		id, _, err := wire.DecodeStreamFrame(payload)
		if err != nil {
			return err
		}
		if up := c.up(id); up != nil {
			if t == wire.TypeClientStreamEnd {
				up.End()
			} else {
				up.Abort()
			}
		}
		return nil
	case wire.TypeServerStreamPull:
		id, _, err := wire.DecodePull(payload)
		if err != nil {
			return err
		}
		if down := c.down(id); down != nil {
			down.Resume()
		}
		return nil
	case wire.TypeServerStreamAbort:
		id, _, err := wire.DecodeStreamFrame(payload)
		if err != nil {
			return err
		}
		if down := c.down(id); down != nil {
			down.Abort(false)
		}
		return nil
	case wire.TypeClientUnsubscribe:
		key, err := wire.DecodeUnsubscribe(payload)
		if err != nil {
			return err
		}
		c.unsubscribe(key)
		return nil
	default:
		c.server.metrics.RecordProtocolError("unexpected_type")
		c.logger.Debug("Ignoring frame", "type", t.String())
		return nil
	}
}

func (c *Connection) handleRPC(payload []byte) error {
	req, err := wire.DecodeRPCRequest(payload)
	if err != nil {
		return err
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Debug("Call rejected by rate limit", "call_id", req.CallID)
		c.respondError(req.CallID, errors.NewAPIError(errors.CodeServiceUnavailable, "call rate limit exceeded"))
		return nil
	}

	call, err := c.calls.Begin(c.ctx, req.CallID)
	if err != nil {
		c.respondError(req.CallID, err)
		return nil
	}

	ups, err := c.openUps(req.Streams)
	if err != nil {
		call.Settle()
		c.respondError(req.CallID, err)
		return nil
	}

	c.wg.Add(1)
	go c.runCall(call, req, ups)
	return nil
}

// openUps registers the up-streams announced with a call
func (c *Connection) openUps(descriptors []wire.StreamDescriptor) (map[uint32]*stream.Up, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[uint32]bool, len(descriptors))
	for _, d := range descriptors {
		if _, open := c.ups[d.ID]; open || seen[d.ID] {
			return nil, errors.APIErrorf(errors.CodeBadRequest, "stream %d is already open", d.ID)
		}
		seen[d.ID] = true
	}

	ups := make(map[uint32]*stream.Up, len(descriptors))
	metrics := c.server.metrics
	for _, d := range descriptors {
		id := d.ID
		up := stream.NewUp(id, d.Meta, c,
			stream.WithUpBytesHook(func(n int) { metrics.RecordStreamBytes("up", n) }),
			stream.WithUpCloseHook(func() {
				c.mu.Lock()
				delete(c.ups, id)
				c.mu.Unlock()
				metrics.StreamClosed("up")
			}),
		)
		c.ups[id] = up
		ups[id] = up
		metrics.StreamOpened("up")
	}
	return ups, nil
}

// runCall dispatches one call. The call stays registered until release, so
// a stream or subscription keeps the handler's context alive while it is
// served and RpcAbort can still reach it.
func (c *Connection) runCall(call *rpc.PendingCall, req wire.RPCRequest, ups map[uint32]*stream.Up) {
	defer c.wg.Done()

	out := c.server.dispatcher.Dispatch(call.Context(), rpc.Request{
		CallID:       req.CallID,
		Procedure:    req.Procedure,
		Payload:      req.Payload,
		Transport:    transport.NameWebSocket,
		ConnectionID: c.ID,
		Scope:        c.scope,
		Streams:      ups,
		Notify:       c.Notify,
		Metadata:     c.metadata,
	})

	// The connection scope is disposed only after every call scope derived
	// from it
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-out.Disposed()
	}()

	release := func() {
		closeUps(ups)
		call.Settle()
		out.Release()
	}

	// Aborted by the client or the connection is gone: no response
	answered := call.Active()
	if out.Kind == rpc.KindValue || out.Kind == rpc.KindError {
		answered = call.Settle()
	}
	if !answered {
		discard(out)
		release()
		return
	}

	switch out.Kind {
	case rpc.KindStream:
		c.startDown(call, out, release)
	case rpc.KindSubscription:
		c.attachSubscription(call, out.Subscription, release)
	case rpc.KindError:
		c.respondError(req.CallID, out.Err)
		release()
	default:
		frame, err := wire.EncodeRPCResponse(req.CallID, out.Value, nil)
		if err != nil {
			c.logger.Error("Failed to encode response", "call_id", req.CallID, "error", err)
			c.respondError(req.CallID, err)
		} else {
			c.send(frame)
		}
		release()
	}
}

// discard frees whatever a call produced after its caller gave up
func discard(out *rpc.Outcome) {
	if out.Source != nil {
		_ = out.Source.Close()
	}
	if out.Subscription != nil {
		out.Subscription.Unsubscribe()
	}
}

// closeUps tells the client to stop producing streams the call no longer reads
func closeUps(ups map[uint32]*stream.Up) {
	for _, up := range ups {
		_ = up.Close()
	}
}

func (c *Connection) startDown(call *rpc.PendingCall, out *rpc.Outcome, release func()) {
	metrics := c.server.metrics
	callID := call.ID

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		discard(out)
		release()
		return
	}
	c.nextDown++
	id := c.nextDown
	down := stream.NewDown(id, out.Source, c,
		stream.WithDownBytesHook(func(n int) { metrics.RecordStreamBytes("down", n) }),
		stream.WithDownDoneHook(func(stream.DownState) {
			c.mu.Lock()
			delete(c.downs, id)
			c.mu.Unlock()
			metrics.StreamClosed("down")
			release()
		}),
	)
	c.downs[id] = down
	c.mu.Unlock()
	metrics.StreamOpened("down")

	frame, err := wire.EncodeRPCStream(callID, out.Source.Kind(), id, out.Source.Initial())
	if err != nil {
		c.logger.Error("Failed to encode stream announcement", "call_id", callID, "error", err)
		down.Abort(false)
		c.respondError(callID, err)
		return
	}
	c.send(frame)
	if !call.OnAbort(func() { down.Abort(true) }) {
		down.Abort(true)
		return
	}
	down.Start(c.ctx)
}

// attachSubscription forwards emissions of sub to the client. A connection
// keeps at most one subscription per key: a second subscribe to a live key
// is acknowledged but the new subscription is dropped.
func (c *Connection) attachSubscription(call *rpc.PendingCall, sub *subscription.Subscription, release func()) {
	callID := call.ID
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		release()
		return
	}
	if _, live := c.subs[sub.Key]; live {
		c.mu.Unlock()
		sub.Unsubscribe()
		release()
		c.sendRPCSubscription(callID, sub.Key)
		return
	}
	c.subs[sub.Key] = sub
	c.mu.Unlock()

	c.sendRPCSubscription(callID, sub.Key)
	if !call.OnAbort(func() { c.dropSubscription(sub) }) {
		c.dropSubscription(sub)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		c.forward(sub)
	}()
}

func (c *Connection) sendRPCSubscription(callID uint64, key string) {
	frame, err := wire.EncodeRPCSubscription(callID, key)
	if err != nil {
		c.respondError(callID, err)
		return
	}
	c.send(frame)
}

func (c *Connection) forward(sub *subscription.Subscription) {
	for {
		payload, err := sub.Next(c.ctx)
		if err != nil {
			break
		}
		frame, err := wire.EncodeEmit(sub.Key, payload)
		if err != nil {
			c.logger.Error("Failed to encode emission", "key", sub.Key, "error", err)
			continue
		}
		if !c.send(frame) {
			break
		}
	}

	// A subscription still registered here ended on the server side
	c.mu.Lock()
	ownEnd := !c.closed && c.subs[sub.Key] == sub
	if ownEnd {
		delete(c.subs, sub.Key)
	}
	c.mu.Unlock()

	sub.Unsubscribe()
	if ownEnd {
		if frame, err := wire.EncodeUnsubscribe(wire.TypeServerUnsubscribe, sub.Key); err == nil {
			c.send(frame)
		}
	}
}

// dropSubscription ends sub if it is still the one registered for its key
func (c *Connection) dropSubscription(sub *subscription.Subscription) {
	c.mu.Lock()
	if c.subs[sub.Key] == sub {
		delete(c.subs, sub.Key)
	}
	c.mu.Unlock()
	sub.Unsubscribe()
}

func (c *Connection) unsubscribe(key string) {
	c.mu.Lock()
	sub := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (c *Connection) pushUp(id uint32, chunk []byte) {
	up := c.up(id)
	if up == nil {
		c.logger.Debug("Push for unknown stream", "stream_id", id)
		return
	}
	if err := up.Push(chunk); err != nil {
		if stderrors.Is(err, stream.ErrUnsolicitedPush) {
			c.server.metrics.RecordProtocolError("unsolicited_push")
		}
		c.logger.Warn("Rejected stream push", "stream_id", id, "error", err)
	}
}

func (c *Connection) up(id uint32) *stream.Up {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ups[id]
}

func (c *Connection) down(id uint32) *stream.Down {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downs[id]
}

func (c *Connection) resumeDowns() {
	c.mu.Lock()
	downs := make([]*stream.Down, 0, len(c.downs))
	for _, d := range c.downs {
		downs = append(downs, d)
	}
	c.mu.Unlock()
	for _, d := range downs {
		d.Resume()
	}
}

// send queues a frame, reporting false once the connection is closing
func (c *Connection) send(frame []byte) bool {
	return c.out.send(c.ctx, frame) == nil
}

func (c *Connection) respondError(callID uint64, err error) {
	apiErr, masked := errors.Mask(err)
	if masked {
		c.logger.Error("Call failed", "call_id", callID, "error", err)
	}
	frame, encErr := wire.EncodeRPCResponse(callID, nil, apiErr)
	if encErr != nil {
		c.logger.Error("Failed to encode error response", "call_id", callID, "error", encErr)
		return
	}
	c.send(frame)
}

// Notify sends a server event to the client
func (c *Connection) Notify(event string, data any) error {
	frame, err := wire.EncodeEvent(event, data)
	if err != nil {
		return err
	}
	if !c.send(frame) {
		return errors.WrapTransient(errors.ErrConnectionLost, "Connection", "Notify", fmt.Sprintf("send event %s", event))
	}
	return nil
}

// Pull implements stream.UpPeer
func (c *Connection) Pull(id uint32, size uint32) error {
	if !c.send(wire.EncodePull(id, size)) {
		return errors.ErrConnectionLost
	}
	return nil
}

// AbortUp implements stream.UpPeer
func (c *Connection) AbortUp(id uint32) error {
	if !c.send(wire.EncodeStreamFrame(wire.TypeClientStreamAbort, id, nil)) {
		return errors.ErrConnectionLost
	}
	return nil
}

// Push implements stream.Sink
func (c *Connection) Push(id uint32, chunk []byte) (bool, error) {
	if err := c.out.send(c.ctx, wire.EncodeStreamFrame(wire.TypeServerStreamPush, id, chunk)); err != nil {
		return false, err
	}
	return c.out.writable(), nil
}

// End implements stream.Sink
func (c *Connection) End(id uint32) error {
	return c.out.send(c.ctx, wire.EncodeStreamFrame(wire.TypeServerStreamEnd, id, nil))
}

// Abort implements stream.Sink
func (c *Connection) Abort(id uint32) error {
	return c.out.send(c.ctx, wire.EncodeStreamFrame(wire.TypeServerStreamAbort, id, nil))
}

// Close ends the connection with a normal close frame
func (c *Connection) Close() {
	c.close(websocket.CloseGoingAway, "server shutting down")
}

// close tears the connection down once. Streams fail with a connection
// closed error, subscriptions end, in-flight calls are cancelled and the
// connection scope is disposed after the calls have wound down.
func (c *Connection) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ups := c.ups
		downs := c.downs
		subs := c.subs
		c.ups = make(map[uint32]*stream.Up)
		c.downs = make(map[uint32]*stream.Down)
		c.subs = make(map[string]*subscription.Subscription)
		c.mu.Unlock()

		for _, up := range ups {
			up.Destroy(errConnectionClosed)
		}
		for _, down := range downs {
			down.Abort(false)
		}
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if n := c.calls.AbortAll(); n > 0 {
			c.logger.Debug("Cancelled in-flight calls", "count", n)
		}

		c.out.close()
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), c.server.cfg.WriteTimeout)
		c.out.wait(flushCtx)
		cancelFlush()
		c.cancel()

		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = c.conn.Close()

		c.server.removeConnection(c)
		go c.dispose()
	})
}

// dispose waits for call goroutines and call scopes, then releases the
// connection scope
func (c *Connection) dispose() {
	ctx, cancel := context.WithTimeout(context.Background(), c.server.cfg.DisposeTimeout)
	defer cancel()

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		c.logger.Warn("Calls still running at disposal")
	}

	if err := c.scope.Dispose(ctx); err != nil {
		c.logger.Error("Failed to dispose connection scope", "error", err)
	}
	c.server.disposed(c)
}

// Stats returns a snapshot of the connection's open resources
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStats{
		ID:            c.ID,
		ConnectedAt:   c.connectedAt,
		FramesIn:      c.framesIn.Load(),
		UpStreams:     len(c.ups),
		DownStreams:   len(c.downs),
		Subscriptions: len(c.subs),
		Calls:         c.calls.Len(),
	}
}

// ConnectionStats describes one connection
type ConnectionStats struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connected_at"`
	FramesIn      uint64    `json:"frames_in"`
	UpStreams     int       `json:"up_streams"`
	DownStreams   int       `json:"down_streams"`
	Subscriptions int       `json:"subscriptions"`
	Calls         int       `json:"calls"`
}

var _ stream.Sink = (*Connection)(nil)
var _ stream.UpPeer = (*Connection)(nil)
