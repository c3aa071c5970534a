// Package http carries procedure calls over plain HTTP requests and owns
// the listener that other transports mount their handlers on.
package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/health"
	"github.com/c360/semrpc/metric"
	"github.com/c360/semrpc/pkg/security"
	"github.com/c360/semrpc/pkg/tlsutil"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/rpc"
	"github.com/c360/semrpc/stream"
	"github.com/c360/semrpc/transport"
	"github.com/c360/semrpc/wire"
)

// scopeDisposeTimeout bounds request scope disposal after a call
const scopeDisposeTimeout = 30 * time.Second

// Config configures the HTTP transport
type Config struct {
	Host   string
	Port   int
	Prefix string

	// MaxBodySize caps request payloads
	MaxBodySize int64

	ReadHeaderTimeout time.Duration

	// CORSOrigins lists allowed origins; "*" allows any
	CORSOrigins []string

	TLS security.ServerTLSConfig

	ScopeFactory    procedure.ScopeFactory
	Health          *health.Monitor
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// DefaultConfig returns the defaults used for zero fields
func DefaultConfig() Config {
	return Config{
		Port:              8080,
		Prefix:            "/api",
		MaxBodySize:       1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/")
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.ScopeFactory == nil {
		c.ScopeFactory = procedure.DefaultScopeFactory
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server serves POST {prefix}/<procedure> and GET /health
type Server struct {
	cfg        Config
	dispatcher *rpc.Dispatcher
	logger     *slog.Logger
	metrics    *metric.Metrics

	mounted []mount

	running atomic.Bool
	nextID  atomic.Uint64

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

type mount struct {
	prefix  string
	handler transport.HTTPHandler
}

var _ transport.Transport = (*Server)(nil)

// New creates an HTTP transport
func New(dispatcher *rpc.Dispatcher, cfg Config) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "http.Server", "New", "check dispatcher")
	}
	cfg.applyDefaults()
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     cfg.Logger.With("component", "http-transport"),
	}
	if cfg.MetricsRegistry != nil {
		s.metrics = cfg.MetricsRegistry.CoreMetrics()
	}
	return s, nil
}

// Name returns the transport name
func (s *Server) Name() string {
	return transport.NameHTTP
}

// Mount serves another transport's handlers from this listener. It must be
// called before Start.
func (s *Server) Mount(prefix string, h transport.HTTPHandler) {
	s.mounted = append(s.mounted, mount{prefix: prefix, handler: h})
}

// Handler builds the request router
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(s.cfg.Prefix, mux)
	mux.HandleFunc("/health", s.handleHealth)
	for _, m := range s.mounted {
		m.handler.RegisterHTTPHandlers(m.prefix, mux)
	}
	return mux
}

// RegisterHTTPHandlers registers the procedure route under prefix
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	mux.Handle(prefix, http.StripPrefix(prefix, http.HandlerFunc(s.handleCall)))
}

// Start binds the listener and serves in the background
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "http.Server", "Start", "start listener")
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.cfg.TLS)
	if err != nil {
		return errors.WrapFatal(err, "http.Server", "Start", "load TLS config")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "http.Server", "Start", fmt.Sprintf("listen on %s", addr))
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.server = srv
	s.listener = ln
	s.serveErr = make(chan error, 1)
	s.running.Store(true)

	errCh := s.serveErr
	go func() {
		var serveErr error
		if tlsConfig != nil {
			serveErr = srv.ServeTLS(ln, "", "")
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && !stderrors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", serveErr)
			errCh <- errors.WrapFatal(serveErr, "http.Server", "Start", "serve HTTP")
		}
		close(errCh)
	}()

	s.logger.Info("HTTP transport listening", "addr", ln.Addr().String(), "tls", tlsConfig != nil)
	return nil
}

// Errors reports a serve failure after a successful Start. It is closed
// when the listener stops.
func (s *Server) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Stop shuts the listener down, waiting for in-flight requests until ctx
// is done
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	s.running.Store(false)
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "http.Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// getOrGenerateRequestID propagates X-Request-ID or creates one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// disposeAfter disposes the request scope once the call scope derived from
// it is gone. A handler that outlived its request holds both until it
// returns or scopeDisposeTimeout passes.
func (s *Server) disposeAfter(out *rpc.Outcome, scope procedure.Scope, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), scopeDisposeTimeout)
	defer cancel()
	select {
	case <-out.Disposed():
	case <-ctx.Done():
		s.logger.Warn("Call scope still live at request scope disposal", "request_id", requestID)
	}
	if err := scope.Dispose(ctx); err != nil {
		s.logger.Warn("Request scope dispose failed", "request_id", requestID, "error", err)
	}
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	requestID := getOrGenerateRequestID(r)
	w.Header().Set("X-Request-ID", requestID)

	if len(s.cfg.CORSOrigins) > 0 {
		s.applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	name := strings.Trim(r.URL.Path, "/")
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed,
			errors.APIErrorf(errors.CodeBadRequest, "method %s not allowed", r.Method))
		return
	}
	if name == "" {
		s.writeError(w, http.StatusNotFound, errors.NewAPIError(errors.CodeNotFound, "procedure name missing"))
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, errors.APIErrorf(errors.CodeBadRequest,
				"request body exceeds maximum size of %d bytes", s.cfg.MaxBodySize))
			return
		}
		s.writeError(w, http.StatusBadRequest, errors.NewAPIError(errors.CodeBadRequest, "failed to read request body"))
		return
	}
	payload := json.RawMessage(body)
	if len(strings.TrimSpace(string(body))) == 0 {
		payload = json.RawMessage("null")
	} else if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, errors.NewAPIError(errors.CodeBadRequest, "request body is not valid JSON"))
		return
	}

	ctx := r.Context()
	scope, err := s.cfg.ScopeFactory(ctx, procedure.ConnectionInfo{
		ID:         requestID,
		Transport:  transport.NameHTTP,
		RemoteAddr: r.RemoteAddr,
		Headers:    r.Header,
	})
	if err != nil {
		s.logger.Error("Scope factory failed", "request_id", requestID, "error", err)
		apiErr, _ := errors.Mask(err)
		s.writeError(w, errors.HTTPStatus(apiErr.Code), apiErr)
		return
	}
	out := s.dispatcher.Dispatch(ctx, rpc.Request{
		CallID:       s.nextID.Add(1),
		Procedure:    name,
		Payload:      payload,
		Transport:    transport.NameHTTP,
		ConnectionID: requestID,
		Scope:        scope,
		Notify:       notifyUnsupported,
		Metadata:     traceMetadata(r.Header),
	})
	defer func() {
		out.Release()
		go s.disposeAfter(out, scope, requestID)
	}()

	switch out.Kind {
	case rpc.KindError:
		s.writeError(w, errors.HTTPStatus(out.Err.Code), out.Err)
	case rpc.KindSubscription:
		out.Subscription.Unsubscribe()
		s.writeError(w, http.StatusNotAcceptable, errors.NewAPIError(errors.CodeNotAcceptable,
			"subscriptions require a websocket connection"))
	case rpc.KindStream:
		s.writeStream(ctx, w, out.Source, requestID)
	default:
		s.writeResponse(w, out.Value)
	}
}

func notifyUnsupported(string, any) error {
	return errors.NewAPIError(errors.CodeNotAcceptable, "events are not delivered over http")
}

func traceMetadata(h http.Header) map[string]string {
	md := make(map[string]string)
	for _, key := range []string{"traceparent", "tracestate", "baggage"} {
		if v := h.Get(key); v != "" {
			md[key] = v
		}
	}
	return md
}

func (s *Server) writeResponse(w http.ResponseWriter, value any) {
	data, err := json.Marshal(map[string]any{"response": value})
	if err != nil {
		s.logger.Error("Encode response failed", "error", err)
		apiErr, _ := errors.Mask(err)
		s.writeError(w, http.StatusInternalServerError, apiErr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// writeStream copies a down-stream into the response body. Binary streams
// are sent as raw bytes, JSON streams as newline-delimited JSON. The
// initial payload travels in the X-Stream-Initial header.
func (s *Server) writeStream(ctx context.Context, w http.ResponseWriter, src stream.Source, requestID string) {
	defer func() { _ = src.Close() }()

	if initial, err := json.Marshal(src.Initial()); err == nil {
		w.Header().Set("X-Stream-Initial", string(initial))
	}
	w.Header().Set("X-Stream-Kind", string(src.Kind()))
	if src.Kind() == wire.StreamJSON {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for {
		chunk, err := src.Next(ctx)
		if err == io.EOF {
			return
		}
		if err != nil {
			// Headers are gone; the client sees a truncated body
			s.logger.Warn("Stream aborted", "request_id", requestID, "error", err)
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if src.Kind() == wire.StreamJSON {
			_, _ = w.Write([]byte("\n"))
		}
		if s.metrics != nil {
			s.metrics.RecordStreamBytes("down", len(chunk))
		}
		_ = rc.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", http.MethodGet)
		s.writeError(w, http.StatusMethodNotAllowed,
			errors.APIErrorf(errors.CodeBadRequest, "method %s not allowed", r.Method))
		return
	}

	status := health.NewHealthy("semrpc", "serving")
	if s.cfg.Health != nil {
		s.cfg.Health.Refresh(r.Context())
		status = s.cfg.Health.AggregateHealth("semrpc")
	}
	code := http.StatusOK
	if !s.running.Load() || status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}

	data, _ := json.Marshal(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// applyCORS sets CORS headers for allowed origins
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")
			return
		}
	}
}

// writeError writes {"error": {code, message, data}}
func (s *Server) writeError(w http.ResponseWriter, statusCode int, apiErr *errors.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	data, _ := json.Marshal(map[string]any{"error": apiErr})
	_, _ = w.Write(data)
}
