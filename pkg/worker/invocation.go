package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360/semrpc/errors"
)

// Invocation is the handle for one submitted task
type Invocation struct {
	ID   string
	Task string

	started time.Time
	pool    *Pool
	done    chan struct{}

	// ctx bounds the wait for a worker and ends on settlement
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	worker  *worker
	settled bool
	aborted bool
	value   json.RawMessage
	err     *errors.APIError
}

func newInvocation(ctx context.Context, id, task string) *Invocation {
	ctx, cancel := context.WithCancel(ctx)
	return &Invocation{
		ID:      id,
		Task:    task,
		started: time.Now(),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Done is closed once the invocation has settled
func (i *Invocation) Done() <-chan struct{} {
	return i.done
}

// Result waits for the task result. The returned error is an
// *errors.APIError unless ctx ended first.
func (i *Invocation) Result(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-i.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return nil, i.err
	}
	return i.value, nil
}

// Decode waits for the result and unmarshals it into v
func (i *Invocation) Decode(ctx context.Context, v any) error {
	raw, err := i.Result(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.WrapInvalid(err, "worker", "Decode", "unmarshal task result")
	}
	return nil
}

// Abort rejects the invocation and asks its worker to cancel the task. The
// worker slot returns to the pool when the task actually finishes. Abort
// after settlement does nothing.
func (i *Invocation) Abort(reason string) {
	i.mu.Lock()
	if i.settled {
		i.mu.Unlock()
		return
	}
	i.aborted = true
	if i.worker != nil {
		i.worker.send(abortMsg{TaskID: i.ID, Reason: reason})
	}
	apiErr := errors.NewAPIError(errors.CodeTaskFailed, "task aborted", map[string]string{"reason": reason})
	i.settleLocked(nil, apiErr)
	i.mu.Unlock()

	i.observe(apiErr)
}

// dispatch records w as the executing worker and sends it msg. It fails
// when the invocation already settled or the worker is gone.
func (i *Invocation) dispatch(w *worker, msg invokeMsg) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.settled || !w.send(msg) {
		return false
	}
	i.worker = w
	return true
}

func (i *Invocation) assignedTo(w *worker) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.worker == w && !i.settled
}

func (i *Invocation) isSettled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.settled
}

func (i *Invocation) wasAborted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.aborted
}

// settle completes the invocation once; later calls are ignored
func (i *Invocation) settle(value json.RawMessage, err *errors.APIError) {
	i.mu.Lock()
	ok := i.settleLocked(value, err)
	i.mu.Unlock()
	if ok {
		i.observe(err)
	}
}

func (i *Invocation) settleLocked(value json.RawMessage, err *errors.APIError) bool {
	if i.settled {
		return false
	}
	i.settled = true
	i.value = value
	i.err = err
	close(i.done)
	i.cancel()
	return true
}

func (i *Invocation) observe(err *errors.APIError) {
	if i.pool != nil {
		i.pool.observe(i, err)
	}
}
