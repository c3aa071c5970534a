package metric

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/pkg/security"
	"github.com/c360/semrpc/pkg/tlsutil"
)

// Server exposes the registry over HTTP in Prometheus format
type Server struct {
	addr     string
	path     string
	server   *http.Server
	listener net.Listener
	registry *MetricsRegistry
	security security.Config
	mu       sync.Mutex
}

// NewServer creates a new metrics server. An empty addr defaults to ":9090".
func NewServer(addr, path string, registry *MetricsRegistry, securityCfg security.Config) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		security: securityCfg,
	}
}

// Handler returns the HTTP handler serving metrics and a liveness endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start binds the listener and serves in the background. Serve errors after
// a successful bind are reported on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "MetricsServer", "Start", "start server")
	}
	if s.registry == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil registry"), "MetricsServer", "Start", "metrics registry not provided")
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.security.TLS.Server)
	if err != nil {
		return nil, errors.WrapFatal(err, "MetricsServer", "Start", "load TLS config")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, errors.WrapFatal(err, "MetricsServer", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	srv := s.server
	go func() {
		var serveErr error
		if tlsConfig != nil {
			serveErr = srv.ServeTLS(ln, "", "")
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- errors.WrapTransient(serveErr, "MetricsServer", "Start", "serve metrics")
		}
		close(errCh)
	}()

	return errCh, nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "MetricsServer", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Address returns the bound address, or the configured one before Start
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
