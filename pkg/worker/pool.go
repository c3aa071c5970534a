package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/metric"
	"github.com/c360/semrpc/pkg/pool"
)

// DefaultSize is the worker count used when none is configured
const DefaultSize = 4

// Options tunes a single invocation
type Options struct {
	// PoolTimeout bounds the wait for a free worker. Zero uses the pool default.
	PoolTimeout time.Duration
}

// Pool owns a set of workers and hands each invocation to one free worker
type Pool struct {
	// Configuration
	factory     RegistryFactory
	size        int
	poolTimeout time.Duration
	envOptions  map[string]any
	logger      *slog.Logger

	// Runtime state
	slots    *pool.Pool[*worker]
	events   chan any
	quit     chan struct{}
	loopDone chan struct{}

	// Lifecycle management
	mu       sync.Mutex
	started  bool
	stopped  bool
	workers  map[*worker]struct{}
	pending  map[string]*Invocation
	nextID   int
	startups chan error

	// Statistics (atomic)
	invoked   int64
	completed int64
	failed    int64
	aborted   int64
	respawned int64

	metrics         *Metrics
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for task pool monitoring
type Metrics struct {
	invoked   prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	aborted   prometheus.Counter
	respawned prometheus.Counter
	duration  *prometheus.HistogramVec
}

// Option configures a Pool
type Option func(*Pool)

// WithSize sets the number of workers
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithPoolTimeout sets the default wait for a free worker
func WithPoolTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.poolTimeout = d
	}
}

// WithLogger sets the logger handed to workers
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEnvOptions sets the application options every worker receives in its Env
func WithEnvOptions(options map[string]any) Option {
	return func(p *Pool) {
		p.envOptions = options
	}
}

// WithMetricsRegistry configures the pool to register metrics with the framework's registry
func WithMetricsRegistry(registry *metric.MetricsRegistry, prefix string) Option {
	return func(p *Pool) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// New creates a stopped pool. Call Start to spawn workers.
func New(factory RegistryFactory, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, errors.WrapInvalid(ErrNilFactory, "worker", "New", "validate factory")
	}

	p := &Pool{
		factory:  factory,
		size:     DefaultSize,
		logger:   slog.Default(),
		events:   make(chan any, 16),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		workers:  make(map[*worker]struct{}),
		pending:  make(map[string]*Invocation),
	}
	for _, opt := range opts {
		opt(p)
	}

	var slotOpts []pool.Option[*worker]
	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		p.initializeMetrics()
		slotOpts = append(slotOpts, pool.WithMetricsRegistry[*worker](p.metricsRegistry, p.metricsPrefix+"_slots"))
	}
	p.slots = pool.New(slotOpts...)
	return p, nil
}

func (p *Pool) initializeMetrics() {
	prefix := p.metricsPrefix
	m := &Metrics{
		invoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_invocations_total", Help: "Task invocations accepted",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_completed_total", Help: "Task invocations that returned a value",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total", Help: "Task invocations that failed",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_aborted_total", Help: "Task invocations aborted by the caller",
		}),
		respawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_respawned_total", Help: "Workers replaced after exiting unexpectedly",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_task_duration_seconds",
			Help:    "Time from invocation to settlement",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}, []string{"task"}),
	}

	serviceName := "task_pool"
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_invocations_total", m.invoked)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_completed_total", m.completed)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", m.failed)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_aborted_total", m.aborted)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_respawned_total", m.respawned)
	_ = p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_task_duration_seconds", m.duration)
	p.metrics = m
}

// Start spawns the workers and waits until every one of them has built its
// registry. A worker that fails to start fails Start and stops the pool.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	if p.started {
		p.mu.Unlock()
		return ErrPoolAlreadyStarted
	}
	p.started = true
	p.startups = make(chan error, p.size)
	for i := 0; i < p.size; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	go p.loop()

	for i := 0; i < p.size; i++ {
		select {
		case err := <-p.startups:
			if err != nil {
				_ = p.Stop(context.Background())
				return errors.WrapFatal(err, "worker", "Start", "start worker")
			}
		case <-ctx.Done():
			_ = p.Stop(context.Background())
			return errors.WrapTransient(ctx.Err(), "worker", "Start", "wait for workers")
		}
	}

	p.logger.Debug("Task pool started", "workers", p.size)
	return nil
}

// spawnLocked starts one worker. mu must be held.
func (p *Pool) spawnLocked() {
	p.nextID++
	w := newWorker(p.nextID)
	p.workers[w] = struct{}{}
	env := Env{
		WorkerID: w.id,
		Logger:   p.logger.With("component", "worker"),
		Options:  p.envOptions,
	}
	go w.run(env, p.factory, p.post)
}

// post delivers a worker message to the pool loop
func (p *Pool) post(msg any) {
	select {
	case p.events <- msg:
	case <-p.quit:
	}
}

// loop is the only reader of worker messages
func (p *Pool) loop() {
	defer close(p.loopDone)
	for {
		select {
		case msg := <-p.events:
			p.handle(msg)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) handle(msg any) {
	switch m := msg.(type) {
	case readyMsg:
		if err := p.slots.Add(m.worker); err != nil {
			// Pool closed while the worker was starting
			m.worker.send(stopMsg{})
		}
		p.signalStartup(nil)

	case resultMsg:
		p.mu.Lock()
		inv := p.pending[m.TaskID]
		delete(p.pending, m.TaskID)
		p.mu.Unlock()

		if inv != nil {
			if m.Err != nil {
				inv.settle(nil, m.Err)
			} else {
				inv.settle(m.Value, nil)
			}
		}
		if !m.exiting {
			_ = p.slots.Release(m.worker)
		}

	case exitedMsg:
		p.slots.Forget(m.worker)

		p.mu.Lock()
		delete(p.workers, m.worker)
		var orphans []*Invocation
		for id, inv := range p.pending {
			if inv.assignedTo(m.worker) {
				orphans = append(orphans, inv)
				delete(p.pending, id)
			}
		}
		respawn := m.err != nil && m.ready && !p.stopped
		if respawn {
			p.spawnLocked()
		}
		p.mu.Unlock()

		for _, inv := range orphans {
			inv.settle(nil, errors.NewAPIError(errors.CodeTaskFailed, "worker exited"))
		}
		if m.err != nil {
			p.logger.Warn("Worker exited", "worker_id", m.worker.id, "error", m.err, "respawn", respawn)
			p.signalStartup(m.err)
		}
		if respawn {
			atomic.AddInt64(&p.respawned, 1)
			if p.metrics != nil {
				p.metrics.respawned.Inc()
			}
		}
	}
}

// signalStartup reports a startup outcome without blocking once Start has
// stopped listening.
func (p *Pool) signalStartup(err error) {
	select {
	case p.startups <- err:
	default:
	}
}

// Invoke runs task on the next free worker. It never blocks: the returned
// Invocation settles once with the task result or an error.
func (p *Pool) Invoke(ctx context.Context, task string, opts Options, args any) *Invocation {
	inv := newInvocation(ctx, uuid.NewString(), task)

	p.mu.Lock()
	started, stopped := p.started, p.stopped
	if started && !stopped {
		p.pending[inv.ID] = inv
		inv.pool = p
	}
	p.mu.Unlock()

	if !started || stopped {
		cause := ErrPoolNotStarted
		if stopped {
			cause = ErrPoolStopped
		}
		inv.settle(nil, errors.NewAPIError(errors.CodeServiceUnavailable, "task pool unavailable").WithCause(cause))
		return inv
	}

	atomic.AddInt64(&p.invoked, 1)
	if p.metrics != nil {
		p.metrics.invoked.Inc()
	}

	raw, err := json.Marshal(args)
	if err != nil {
		p.forget(inv)
		inv.settle(nil, errors.NewAPIError(errors.CodeValidation, "task arguments are not serializable").WithCause(err))
		return inv
	}

	timeout := opts.PoolTimeout
	if timeout == 0 {
		timeout = p.poolTimeout
	}
	go p.assign(inv, raw, timeout)
	return inv
}

// assign captures a worker for inv and sends it the invoke message. Settling
// inv while it waits, by Abort or Stop, withdraws it from the queue.
func (p *Pool) assign(inv *Invocation, args json.RawMessage, timeout time.Duration) {
	w, err := p.slots.Capture(inv.ctx, timeout)
	if err != nil {
		p.forget(inv)
		inv.settle(nil, captureError(err))
		return
	}

	if !inv.dispatch(w, invokeMsg{TaskID: inv.ID, Task: inv.Task, Args: args}) {
		p.forget(inv)
		if inv.isSettled() {
			// Aborted while waiting for a worker
			_ = p.slots.Release(w)
			return
		}
		inv.settle(nil, errors.NewAPIError(errors.CodeTaskFailed, "worker exited"))
	}
}

func (p *Pool) forget(inv *Invocation) {
	p.mu.Lock()
	delete(p.pending, inv.ID)
	p.mu.Unlock()
}

// captureError maps resource pool failures onto client-visible codes
func captureError(err error) *errors.APIError {
	switch {
	case stderrors.Is(err, pool.ErrTimeout):
		return errors.NewAPIError(errors.CodePoolTimeout, "timed out waiting for a free worker").WithCause(err)
	case stderrors.Is(err, pool.ErrEmptyPool):
		return errors.NewAPIError(errors.CodePoolEmpty, "no workers available").WithCause(err)
	case stderrors.Is(err, pool.ErrClosed):
		return errors.NewAPIError(errors.CodeServiceUnavailable, "task pool unavailable").WithCause(ErrPoolStopped)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewAPIError(errors.CodePoolTimeout, "timed out waiting for a free worker").WithCause(err)
	default:
		return errors.NewAPIError(errors.CodeBadRequest, "invocation cancelled").WithCause(err)
	}
}

// observe records the outcome of a settled invocation
func (p *Pool) observe(inv *Invocation, err *errors.APIError) {
	switch {
	case err == nil:
		atomic.AddInt64(&p.completed, 1)
	case inv.wasAborted():
		atomic.AddInt64(&p.aborted, 1)
	default:
		atomic.AddInt64(&p.failed, 1)
	}
	if p.metrics == nil {
		return
	}
	switch {
	case err == nil:
		p.metrics.completed.Inc()
	case inv.wasAborted():
		p.metrics.aborted.Inc()
	default:
		p.metrics.failed.Inc()
	}
	p.metrics.duration.WithLabelValues(inv.Task).Observe(time.Since(inv.started).Seconds())
}

// Stop rejects queued invocations, asks every worker to finish its current
// task and waits for all of them to exit or ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	workers := make([]*worker, 0, len(p.workers))
	for w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	p.slots.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			w.send(stopMsg{})
			select {
			case <-w.done:
				return nil
			case <-gctx.Done():
				return ErrStopTimeout
			}
		})
	}
	err := g.Wait()

	close(p.quit)
	<-p.loopDone

	p.mu.Lock()
	leftover := p.pending
	p.pending = make(map[string]*Invocation)
	p.mu.Unlock()
	for _, inv := range leftover {
		inv.settle(nil, errors.NewAPIError(errors.CodeServiceUnavailable, "task pool stopped").WithCause(ErrPoolStopped))
	}

	if err != nil {
		return errors.WrapTransient(err, "worker", "Stop", "wait for workers")
	}
	p.logger.Debug("Task pool stopped")
	return nil
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	slots := p.slots.Stats()
	return Stats{
		Workers:   slots.Size,
		Idle:      slots.Free,
		Waiting:   slots.Waiting,
		Invoked:   atomic.LoadInt64(&p.invoked),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Aborted:   atomic.LoadInt64(&p.aborted),
		Respawned: atomic.LoadInt64(&p.respawned),
	}
}

// Stats represents task pool statistics
type Stats struct {
	Workers   int   `json:"workers"`
	Idle      int   `json:"idle"`
	Waiting   int   `json:"waiting"`
	Invoked   int64 `json:"invoked"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Aborted   int64 `json:"aborted"`
	Respawned int64 `json:"respawned"`
}
