// Package rpc resolves and runs procedure calls independently of the
// transport that carried them. Transports hand a Request to the
// Dispatcher and turn the returned Outcome into their own response format.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/metric"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/stream"
	"github.com/c360/semrpc/subscription"
)

// Kind classifies a settled call
type Kind int

// Outcome kinds
const (
	KindValue Kind = iota
	KindStream
	KindSubscription
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindStream:
		return "stream"
	case KindSubscription:
		return "subscription"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// disposeTimeout bounds scope disposal after a call settles
const disposeTimeout = 30 * time.Second

// Request is one call as received by a transport
type Request struct {
	CallID       uint64
	Procedure    string
	Payload      json.RawMessage
	Transport    string
	ConnectionID string

	// Scope is the connection scope. The call runs in a child derived from
	// it. Nil gives the call a fresh root scope.
	Scope procedure.Scope

	Streams  map[uint32]*stream.Up
	Notify   func(event string, data any) error
	Metadata map[string]string
}

// Outcome is a settled call. The transport must call Release once it has
// finished with the outcome: after the response is written, the stream has
// ended or the subscription is gone. Release cancels the call context and
// disposes the call scope.
type Outcome struct {
	Kind         Kind
	Value        any
	Source       stream.Source
	Subscription *subscription.Subscription
	Err          *errors.APIError

	release  func()
	once     sync.Once
	disposed chan struct{}
}

// Release frees the call's resources. Only the first call has effect.
func (o *Outcome) Release() {
	o.once.Do(func() {
		if o.release != nil {
			o.release()
		}
	})
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Disposed is closed once the call scope has been disposed. That happens
// after Release and after the handler has returned, so a handler that
// outlived its call delays it.
func (o *Outcome) Disposed() <-chan struct{} {
	if o.disposed == nil {
		return closedChan
	}
	return o.disposed
}

func failed(apiErr *errors.APIError) *Outcome {
	return &Outcome{Kind: KindError, Err: apiErr}
}

// Config configures a Dispatcher
type Config struct {
	Registry *procedure.Registry
	Logger   *slog.Logger

	// DefaultTimeout bounds handlers without their own timeout. Zero means
	// no limit.
	DefaultTimeout time.Duration

	Metrics *metric.Metrics
	Hooks   []Hook
}

// Dispatcher runs procedure calls
type Dispatcher struct {
	registry       *procedure.Registry
	logger         *slog.Logger
	defaultTimeout time.Duration
	metrics        *metric.Metrics
	hooks          []Hook
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "check registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:       cfg.Registry,
		logger:         logger.With("component", "dispatcher"),
		defaultTimeout: cfg.DefaultTimeout,
		metrics:        cfg.Metrics,
		hooks:          cfg.Hooks,
	}, nil
}

// Registry returns the procedure registry
func (d *Dispatcher) Registry() *procedure.Registry {
	return d.registry
}

// Dispatch runs one call to completion and classifies its result. It never
// returns nil; failures are reported as a KindError outcome carrying an
// error that is safe to send to the client.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Outcome {
	start := time.Now()
	info := CallInfo{
		CallID:       req.CallID,
		Procedure:    req.Procedure,
		Transport:    req.Transport,
		ConnectionID: req.ConnectionID,
		Metadata:     req.Metadata,
	}

	tokens := make([]HookToken, len(d.hooks))
	for i, h := range d.hooks {
		ctx, tokens[i] = h.OnDispatchStart(ctx, info)
	}
	d.metrics.CallStarted()

	out, known := d.dispatch(ctx, req)

	d.metrics.CallFinished()
	label, code := req.Procedure, ""
	if !known {
		label = "unknown"
	}
	if out.Err != nil {
		code = string(out.Err.Code)
	}
	d.metrics.RecordCall(req.Transport, label, code, time.Since(start))
	for i := len(d.hooks) - 1; i >= 0; i-- {
		d.hooks[i].OnDispatchEnd(ctx, tokens[i], info, out.Err)
	}
	return out
}

type result struct {
	value any
	err   error
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (*Outcome, bool) {
	logger := d.logger.With("call_id", req.CallID, "procedure", req.Procedure, "transport", req.Transport)

	proc, ok := d.registry.Lookup(req.Procedure)
	if !ok {
		return failed(errors.APIErrorf(errors.CodeNotFound, "procedure %q not found", req.Procedure)), false
	}
	if !proc.AllowsTransport(req.Transport) {
		return failed(errors.APIErrorf(errors.CodeNotAcceptable,
			"procedure %q is not available over %s", req.Procedure, req.Transport)), true
	}

	var scope procedure.Scope
	if req.Scope != nil {
		scope = req.Scope.Derive()
	} else {
		scope = procedure.NewMapScope(nil)
	}

	callCtx, cancel := context.WithCancel(ctx)
	call := &procedure.Call{
		ID:           req.CallID,
		Procedure:    proc.Name,
		Transport:    req.Transport,
		ConnectionID: req.ConnectionID,
		Scope:        scope,
		Logger:       logger,
		Streams:      req.Streams,
		Notify:       req.Notify,
	}

	// The scope outlives the handler until the transport releases the
	// outcome, and outlives the outcome until a late handler returns.
	var refs atomic.Int32
	refs.Store(2)
	disposed := make(chan struct{})
	done := func() {
		if refs.Add(-1) == 0 {
			cancel()
			go func() {
				defer close(disposed)
				d.dispose(scope, logger)
			}()
		}
	}

	out := d.run(callCtx, cancel, proc, call, req.Payload, logger, done)
	out.release = done
	out.disposed = disposed
	return out, true
}

func (d *Dispatcher) run(
	ctx context.Context,
	cancel context.CancelFunc,
	proc *procedure.Procedure,
	call *procedure.Call,
	payload json.RawMessage,
	logger *slog.Logger,
	handlerDone func(),
) *Outcome {
	for _, guard := range proc.Guards {
		if err := guard(ctx, call); err != nil {
			handlerDone()
			return d.fail(err, logger)
		}
	}

	input, err := proc.ParseInput(payload)
	if err != nil {
		handlerDone()
		return d.fail(err, logger)
	}

	timeout := proc.Timeout
	if timeout == 0 {
		timeout = d.defaultTimeout
	}
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	results := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Procedure panicked", "panic", r, "stack", string(debug.Stack()))
				results <- result{err: fmt.Errorf("procedure panicked: %v", r)}
			}
		}()
		value, err := proc.Handler(ctx, call, input)
		results <- result{value: value, err: err}
	}()

	select {
	case r := <-results:
		handlerDone()
		if r.err != nil && ctx.Err() != nil {
			return cancelled(ctx)
		}
		return d.classify(proc, r, logger)

	case <-timeoutCh:
		cancel()
		go d.abandon(results, logger, handlerDone)
		logger.Warn("Procedure timed out", "timeout", timeout)
		return failed(errors.APIErrorf(errors.CodeRequestTimeout, "procedure %q timed out after %v", proc.Name, timeout))

	case <-ctx.Done():
		go d.abandon(results, logger, handlerDone)
		return cancelled(ctx)
	}
}

// cancelled reports a call whose context ended before the handler did,
// because the caller's deadline passed or the call was aborted
func cancelled(ctx context.Context) *Outcome {
	if ctx.Err() == context.DeadlineExceeded {
		return failed(errors.NewAPIError(errors.CodeRequestTimeout, "request deadline exceeded"))
	}
	return failed(errors.NewAPIError(errors.CodeBadRequest, "call cancelled"))
}

// abandon waits for a handler whose caller has given up and releases
// whatever it produced
func (d *Dispatcher) abandon(results <-chan result, logger *slog.Logger, handlerDone func()) {
	defer handlerDone()
	r := <-results
	if r.err != nil {
		logger.Debug("Abandoned procedure failed", "error", r.err)
		return
	}
	switch v := r.value.(type) {
	case stream.Source:
		_ = v.Close()
	case *subscription.Subscription:
		v.Unsubscribe()
	}
	logger.Debug("Dropped late procedure result")
}

func (d *Dispatcher) classify(proc *procedure.Procedure, r result, logger *slog.Logger) *Outcome {
	if r.err != nil {
		return d.fail(r.err, logger)
	}
	switch v := r.value.(type) {
	case stream.Source:
		return &Outcome{Kind: KindStream, Source: v}
	case *subscription.Subscription:
		return &Outcome{Kind: KindSubscription, Subscription: v}
	default:
		if err := procedure.ValidateOutput(proc.Output, v); err != nil {
			return d.fail(err, logger)
		}
		return &Outcome{Kind: KindValue, Value: v}
	}
}

// fail converts err into a client-safe error. The cause is always logged;
// unrecognized errors at error level since they indicate a defect.
func (d *Dispatcher) fail(err error, logger *slog.Logger) *Outcome {
	apiErr, masked := errors.Mask(err)
	if masked {
		logger.Error("Procedure failed", "error", err)
	} else {
		logger.Debug("Procedure returned error", "code", apiErr.Code, "error", err)
	}
	return failed(apiErr)
}

func (d *Dispatcher) dispose(scope procedure.Scope, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if err := scope.Dispose(ctx); err != nil {
		logger.Error("Failed to dispose call scope", "error", err)
	}
}
