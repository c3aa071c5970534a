// Package server assembles a semrpc process from its configuration: the
// procedure registry and dispatcher, the task worker pool, the
// subscription bridge, and every enabled transport.
package server

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semrpc/builtin"
	"github.com/c360/semrpc/config"
	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/health"
	"github.com/c360/semrpc/metric"
	"github.com/c360/semrpc/natsclient"
	"github.com/c360/semrpc/pkg/worker"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/rpc"
	"github.com/c360/semrpc/subscription"
	amqptransport "github.com/c360/semrpc/transport/amqp"
	httptransport "github.com/c360/semrpc/transport/http"
	"github.com/c360/semrpc/transport/ws"
)

// Options configures New
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// Procedures registers application procedures next to the builtin ones
	Procedures func(*procedure.Registry) error

	// Tasks builds each worker's task registry. Nil uses builtin.Tasks.
	Tasks worker.RegistryFactory

	// ScopeFactory builds the scope of every connection or request
	ScopeFactory procedure.ScopeFactory

	// TracerProvider overrides the global OpenTelemetry provider
	TracerProvider trace.TracerProvider

	// AMQPOpen replaces dialing the AMQP broker
	AMQPOpen amqptransport.Opener
}

const defaultShutdownTimeout = 30 * time.Second

// lifecycle is one startable part of the server, stopped in reverse order
type lifecycle struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// Server is an assembled semrpc process
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	metricsRegistry *metric.MetricsRegistry
	monitor         *health.Monitor
	registry        *procedure.Registry
	dispatcher      *rpc.Dispatcher
	tasks           *worker.Pool
	nats            *natsclient.Client
	bridge          *subscription.Bridge
	ws              *ws.Server
	http            *httptransport.Server
	amqp            *amqptransport.Server
	metricsServer   *metric.Server
	metricsErrs     <-chan error

	parts []lifecycle

	mu      sync.Mutex
	started int
	running bool
}

// New builds every component without touching the network
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "New", "validate config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:             cfg,
		logger:          logger.With("component", "server"),
		metricsRegistry: metric.NewMetricsRegistry(),
		monitor:         health.NewMonitor(),
		registry:        procedure.NewRegistry(),
	}
	core := s.metricsRegistry.CoreMetrics()

	if err := s.buildBridge(logger, core); err != nil {
		return nil, err
	}

	factory := opts.Tasks
	if factory == nil {
		factory = builtin.Tasks()
	}
	tasks, err := worker.New(factory,
		worker.WithSize(cfg.Workers.Size),
		worker.WithPoolTimeout(cfg.Workers.PoolTimeout.Std()),
		worker.WithEnvOptions(cfg.Workers.Options),
		worker.WithLogger(logger),
		worker.WithMetricsRegistry(s.metricsRegistry, "semrpc_tasks"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "New", "create task pool")
	}
	s.tasks = tasks

	if err := builtin.Register(s.registry, builtin.Deps{Version: opts.Version, Tasks: tasks, Bridge: s.bridge}); err != nil {
		return nil, err
	}
	if opts.Procedures != nil {
		if err := opts.Procedures(s.registry); err != nil {
			return nil, errors.WrapInvalid(err, "Server", "New", "register procedures")
		}
	}

	otelCfg := rpc.DefaultOtelConfig()
	otelCfg.TracerProvider = opts.TracerProvider
	s.dispatcher, err = rpc.NewDispatcher(rpc.Config{
		Registry:       s.registry,
		Logger:         logger,
		DefaultTimeout: cfg.Server.CallTimeout.Std(),
		Metrics:        core,
		Hooks:          []rpc.Hook{rpc.NewOtelHook(otelCfg)},
	})
	if err != nil {
		return nil, err
	}

	if err := s.buildTransports(opts, logger); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port))
		s.metricsServer = metric.NewServer(addr, cfg.Metrics.Path, s.metricsRegistry, cfg.Security)
	}

	s.registerChecks()
	s.plan()
	return s, nil
}

func (s *Server) buildBridge(logger *slog.Logger, core *metric.Metrics) error {
	var broadcaster subscription.Broadcaster
	if s.cfg.NATS.Enabled {
		n := s.cfg.NATS
		clientOpts := []natsclient.ClientOption{
			natsclient.WithLogger(logger),
			natsclient.WithName("semrpc"),
			natsclient.WithMaxReconnects(n.MaxReconnects),
			natsclient.WithReconnectWait(n.ReconnectWait.Std()),
			natsclient.WithCredentials(n.Username, n.Password),
			natsclient.WithToken(n.Token),
			natsclient.WithHealthChangeCallback(core.SetNATSConnected),
		}
		if n.TLS {
			clientOpts = append(clientOpts, natsclient.WithTLS(s.cfg.Security.TLS.Client))
		}
		client, err := natsclient.NewClient(strings.Join(n.URLs, ","), clientOpts...)
		if err != nil {
			return errors.Wrap(err, "Server", "New", "create NATS client")
		}
		s.nats = client
		broadcaster = subscription.NewNATSBroadcaster(client, n.SubjectPrefix+".subscriptions")
	}

	s.bridge = subscription.NewBridge(broadcaster,
		subscription.WithLogger(logger),
		subscription.WithMetrics(s.metricsRegistry),
	)
	return nil
}

func (s *Server) buildTransports(opts Options, logger *slog.Logger) error {
	sc := s.cfg.Server

	wsServer, err := ws.New(s.dispatcher, ws.Config{
		Path:            sc.WSPath,
		ReadLimit:       sc.ReadLimit,
		WriteQueue:      sc.WriteQueue,
		WriteTimeout:    sc.WriteTimeout.Std(),
		PingInterval:    sc.PingInterval.Std(),
		PongWait:        sc.PongWait.Std(),
		CallRate:        sc.CallRate,
		CallBurst:       sc.CallBurst,
		CheckOrigin:     checkOrigin(sc.AllowedOrigins),
		ScopeFactory:    opts.ScopeFactory,
		Logger:          logger,
		MetricsRegistry: s.metricsRegistry,
	})
	if err != nil {
		return err
	}
	s.ws = wsServer

	httpServer, err := httptransport.New(s.dispatcher, httptransport.Config{
		Host:            sc.Host,
		Port:            sc.Port,
		Prefix:          sc.HTTPPrefix,
		MaxBodySize:     sc.MaxBodySize,
		CORSOrigins:     sc.CORSOrigins,
		TLS:             s.cfg.Security.TLS.Server,
		ScopeFactory:    opts.ScopeFactory,
		Health:          s.monitor,
		Logger:          logger,
		MetricsRegistry: s.metricsRegistry,
	})
	if err != nil {
		return err
	}
	httpServer.Mount("", wsServer)
	s.http = httpServer

	if s.cfg.AMQP.Enabled {
		a := s.cfg.AMQP
		amqpServer, err := amqptransport.New(s.dispatcher, amqptransport.Config{
			URL:             a.URL,
			Queue:           a.Queue,
			Prefetch:        a.Prefetch,
			Concurrency:     a.Concurrency,
			TLS:             s.cfg.Security.TLS.Client,
			Open:            opts.AMQPOpen,
			ScopeFactory:    opts.ScopeFactory,
			Logger:          logger,
			MetricsRegistry: s.metricsRegistry,
		})
		if err != nil {
			return err
		}
		s.amqp = amqpServer
	}
	return nil
}

// checkOrigin accepts requests without an Origin header and those whose
// origin is listed. An empty list accepts everything.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin) || slices.Contains(allowed, "*")
	}
}

// plan records the start order. Stop runs it backwards.
func (s *Server) plan() {
	if s.nats != nil {
		s.parts = append(s.parts, lifecycle{
			name:  "nats",
			start: s.nats.Connect,
			stop:  s.nats.Close,
		})
	}
	s.parts = append(s.parts,
		lifecycle{
			name:  "subscriptions",
			start: s.bridge.Start,
			stop:  func(context.Context) error { return s.bridge.Close() },
		},
		lifecycle{
			name:  "tasks",
			start: s.tasks.Start,
			stop: func(ctx context.Context) error {
				if d := s.cfg.Workers.StopTimeout.Std(); d > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, d)
					defer cancel()
				}
				return s.tasks.Stop(ctx)
			},
		},
		lifecycle{name: "ws", start: s.ws.Start, stop: s.ws.Stop},
		lifecycle{name: "http", start: s.http.Start, stop: s.http.Stop},
	)
	if s.amqp != nil {
		s.parts = append(s.parts, lifecycle{name: "amqp", start: s.amqp.Start, stop: s.amqp.Stop})
	}
	if s.metricsServer != nil {
		s.parts = append(s.parts, lifecycle{
			name: "metrics",
			start: func(context.Context) error {
				errs, err := s.metricsServer.Start()
				s.metricsErrs = errs
				return err
			},
			stop: s.metricsServer.Stop,
		})
	}
}

// Start brings every component up in dependency order. If one fails, the
// ones already started are stopped again.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "start server")
	}

	for i, part := range s.parts {
		startedAt := time.Now()
		if err := part.start(ctx); err != nil {
			s.started = i
			s.logger.Error("Component failed to start", "part", part.name, "error", err)
			stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
			_ = s.stopLocked(stopCtx)
			cancel()
			return errors.Wrap(err, "Server", "Start", "start "+part.name)
		}
		s.logger.Debug("Component started", "part", part.name, "duration_ms", time.Since(startedAt).Milliseconds())
	}
	s.started = len(s.parts)
	s.running = true

	s.logger.Info("Server started",
		"http", s.http.Addr(),
		"ws_path", s.cfg.Server.WSPath,
		"procedures", len(s.registry.Names()),
		"workers", s.cfg.Workers.Size,
		"nats", s.nats != nil,
		"amqp", s.amqp != nil)
	return nil
}

// Stop shuts every started component down in reverse order and reports
// all failures together
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) error {
	logger := s.logger.With("operation", "shutdown")
	var errs []error
	for i := s.started - 1; i >= 0; i-- {
		part := s.parts[i]
		stoppedAt := time.Now()
		if err := part.stop(ctx); err != nil {
			logger.Error("Component stop failed", "part", part.name, "error", err)
			errs = append(errs, errors.Wrap(err, "Server", "Stop", "stop "+part.name))
			continue
		}
		logger.Debug("Component stopped", "part", part.name, "duration_ms", time.Since(stoppedAt).Milliseconds())
	}
	s.started = 0
	s.running = false
	return stderrors.Join(errs...)
}

// Run starts the server and blocks until ctx is done or a listener fails,
// then stops it within the configured shutdown timeout
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.watch("http", s.http.Errors()) })
	if s.metricsErrs != nil {
		g.Go(func() error { return s.watch("metrics", s.metricsErrs) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down", "timeout", s.shutdownTimeout())
		stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		return s.Stop(stopCtx)
	})
	return g.Wait()
}

func (s *Server) shutdownTimeout() time.Duration {
	if d := s.cfg.Server.ShutdownTimeout.Std(); d > 0 {
		return d
	}
	return defaultShutdownTimeout
}

// watch reads a component's serve errors until its listener closes. A
// fatal error ends Run; anything else leaves that component degraded while
// the rest keeps serving.
func (s *Server) watch(part string, errs <-chan error) error {
	for err := range errs {
		if errors.IsFatal(err) {
			s.logger.Error("Component failed", "part", part, "error", err)
			return errors.Wrap(err, "Server", "Run", "serve "+part)
		}
		s.logger.Warn("Component degraded", "part", part, "error", err, "class", errors.Classify(err).String())
	}
	return nil
}

// Registry returns the procedure registry
func (s *Server) Registry() *procedure.Registry { return s.registry }

// Dispatcher returns the call dispatcher shared by all transports
func (s *Server) Dispatcher() *rpc.Dispatcher { return s.dispatcher }

// Tasks returns the task worker pool
func (s *Server) Tasks() *worker.Pool { return s.tasks }

// Bridge returns the subscription bridge
func (s *Server) Bridge() *subscription.Bridge { return s.bridge }

// Health returns the health monitor behind GET /health
func (s *Server) Health() *health.Monitor { return s.monitor }

// MetricsRegistry returns the Prometheus registry
func (s *Server) MetricsRegistry() *metric.MetricsRegistry { return s.metricsRegistry }

// WebSocket returns the websocket transport
func (s *Server) WebSocket() *ws.Server { return s.ws }

// HTTPAddr returns the bound HTTP address
func (s *Server) HTTPAddr() string { return s.http.Addr() }

// MetricsAddr returns the bound metrics address, empty when metrics are off
func (s *Server) MetricsAddr() string {
	if s.metricsServer == nil {
		return ""
	}
	return s.metricsServer.Address()
}
