package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/metric"
	"github.com/c360/semrpc/pkg/buffer"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/rpc"
	"github.com/c360/semrpc/transport"
)

// Config holds websocket transport settings
type Config struct {
	// Path is the upgrade endpoint mounted by RegisterHTTPHandlers
	Path string

	// ReadLimit caps the size of one inbound frame
	ReadLimit int64

	// WriteQueue is the number of outbound frames buffered per connection
	WriteQueue int

	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	DisposeTimeout time.Duration

	// CallRate is the sustained number of calls per second one connection
	// may start, with bursts up to CallBurst. Zero disables the limit.
	CallRate  float64
	CallBurst int

	// CheckOrigin decides whether to accept a browser origin. Nil accepts all.
	CheckOrigin func(r *http.Request) bool

	// ScopeFactory builds the scope owned by each connection. Nil uses
	// procedure.DefaultScopeFactory.
	ScopeFactory procedure.ScopeFactory

	Logger *slog.Logger

	// MetricsRegistry enables transport metrics. Nil disables them.
	MetricsRegistry *metric.MetricsRegistry
}

// DefaultConfig returns the default websocket settings
func DefaultConfig() Config {
	return Config{
		Path:           "/ws",
		ReadLimit:      16 << 20,
		WriteQueue:     256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		DisposeTimeout: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = d.WriteQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.DisposeTimeout <= 0 {
		c.DisposeTimeout = d.DisposeTimeout
	}
	if c.CallRate > 0 && c.CallBurst <= 0 {
		c.CallBurst = max(1, int(c.CallRate))
	}
	if c.ScopeFactory == nil {
		c.ScopeFactory = procedure.DefaultScopeFactory
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server accepts websocket connections and runs the binary protocol on them
type Server struct {
	cfg        Config
	dispatcher *rpc.Dispatcher
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	metrics    *metric.Metrics
	bufMetrics *buffer.Metrics

	mu      sync.RWMutex
	running bool
	conns   map[string]*Connection
	wg      sync.WaitGroup
}

// New creates a websocket transport
func New(dispatcher *rpc.Dispatcher, cfg Config) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ws.Server", "New", "check dispatcher")
	}
	cfg.applyDefaults()

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     cfg.Logger.With("component", "ws"),
		conns:      make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			CheckOrigin:     cfg.CheckOrigin,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	if cfg.MetricsRegistry != nil {
		s.metrics = cfg.MetricsRegistry.CoreMetrics()
		m, err := buffer.NewMetrics(cfg.MetricsRegistry, "ws_outbox")
		if err != nil {
			return nil, errors.Wrap(err, "ws.Server", "New", "register outbox metrics")
		}
		s.bufMetrics = m
	}
	return s, nil
}

// Name implements transport.Transport
func (s *Server) Name() string {
	return transport.NameWebSocket
}

// Start implements transport.Transport. Upgrades are refused until Start.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "ws.Server", "Start", "start transport")
	}
	s.running = true
	return nil
}

// Stop implements transport.Transport. It closes every connection and
// waits for their scopes to be disposed or ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "ws.Server", "Stop", "wait for connections")
	}
}

// RegisterHTTPHandlers mounts the upgrade endpoint under prefix
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.Handle(strings.TrimSuffix(prefix, "/")+s.cfg.Path, s)
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		http.Error(w, "server not accepting connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.RecordProtocolError("upgrade")
		s.logger.Debug("Upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	scope, err := s.cfg.ScopeFactory(r.Context(), procedure.ConnectionInfo{
		ID:         id,
		Transport:  transport.NameWebSocket,
		RemoteAddr: r.RemoteAddr,
		Headers:    r.Header.Clone(),
	})
	if err != nil {
		s.logger.Error("Failed to create connection scope", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "scope unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	c := newConnection(s, id, conn, scope, traceMetadata(r.Header))

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = conn.Close()
		_ = scope.Dispose(context.Background())
		return
	}
	s.conns[id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ConnectionOpened(transport.NameWebSocket)
	s.logger.Debug("Connection opened", "connection_id", id, "remote_addr", r.RemoteAddr)

	c.serve()
}

// traceMetadata carries W3C trace headers from the upgrade request into
// every call of the connection
func traceMetadata(h http.Header) map[string]string {
	md := make(map[string]string)
	for _, key := range []string{"traceparent", "tracestate", "baggage"} {
		if v := h.Get(key); v != "" {
			md[key] = v
		}
	}
	return md
}

func (s *Server) removeConnection(c *Connection) {
	s.mu.Lock()
	_, ok := s.conns[c.ID]
	delete(s.conns, c.ID)
	s.mu.Unlock()
	if ok {
		s.metrics.ConnectionClosed(transport.NameWebSocket)
		s.logger.Debug("Connection closed", "connection_id", c.ID)
	}
}

func (s *Server) disposed(*Connection) {
	s.wg.Done()
}

// Connections returns a snapshot of open connections
func (s *Server) Connections() []ConnectionStats {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	out := make([]ConnectionStats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	return out
}

// Broadcast sends an event to every open connection
func (s *Server) Broadcast(event string, data any) {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.Notify(event, data); err != nil {
			s.logger.Debug("Broadcast skipped connection", "connection_id", c.ID, "error", err)
		}
	}
}

var _ transport.Transport = (*Server)(nil)
var _ transport.HTTPHandler = (*Server)(nil)
