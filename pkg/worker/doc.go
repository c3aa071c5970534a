// Package worker runs named background tasks on a fixed set of goroutine
// workers, keeping slow work off the request path.
//
// # Overview
//
// A Pool starts N workers. Each worker builds its own task Registry from a
// RegistryFactory at startup and afterwards exchanges nothing with the pool
// but messages:
//
//	pool -> worker: invoke, abort, stop
//	worker -> pool: ready, result, exited
//
// Arguments and results cross that boundary as JSON, so a task can never
// hold a reference into the caller's memory.
//
// # Scheduling
//
// Workers are kept in a pool.Pool. A worker is added only after it reports
// ready, and Invoke captures one worker per invocation, so invocations
// beyond the worker count queue in arrival order. Options.PoolTimeout
// bounds that wait:
//
//	PoolTimeout  no worker freed up in time
//	PoolEmpty    no worker was ever ready
//
// # Cancellation
//
// Invocation.Abort rejects the invocation immediately and cancels the
// task's context; context.Cause reports the reason. The worker stays
// captured until the task function actually returns, so a task that
// ignores its context keeps occupying its slot.
//
// # Failure Handling
//
// Errors carrying an *errors.APIError code reach the caller verbatim. Any
// other task error is logged by the worker and replaced with a generic
// TaskFailed. A panicking task settles with TaskFailed, its worker exits
// and the pool spawns a replacement so capacity is preserved.
//
// # Usage
//
//	tasks := worker.StaticRegistry(worker.Registry{
//	    "resize": func(ctx context.Context, args json.RawMessage) (any, error) {
//	        return resize(ctx, args)
//	    },
//	})
//
//	p, err := worker.New(tasks, worker.WithSize(4), worker.WithPoolTimeout(5*time.Second))
//	if err != nil {
//	    return err
//	}
//	if err := p.Start(ctx); err != nil {
//	    return err
//	}
//	defer p.Stop(context.Background())
//
//	inv := p.Invoke(ctx, "resize", worker.Options{}, map[string]int{"width": 640})
//	raw, err := inv.Result(ctx)
//
// # Metrics
//
// WithMetricsRegistry registers counters for invocations by outcome, worker
// respawns and a task duration histogram, plus the slot gauges of the
// underlying resource pool under "<prefix>_slots".
package worker
