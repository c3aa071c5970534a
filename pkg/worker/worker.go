package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/c360/semrpc/errors"
)

// worker runs tasks from its own registry. It talks to the pool only
// through its inbox and the shared outbox.
type worker struct {
	id    int
	inbox chan any
	done  chan struct{}
}

func newWorker(id int) *worker {
	return &worker{
		id:    id,
		inbox: make(chan any, 4),
		done:  make(chan struct{}),
	}
}

// send delivers msg unless the worker has exited
func (w *worker) send(msg any) bool {
	select {
	case w.inbox <- msg:
		return true
	case <-w.done:
		return false
	}
}

type running struct {
	taskID string
	cancel context.CancelCauseFunc
}

type taskDone struct {
	msg      resultMsg
	panicked error
}

// run is the worker goroutine. post delivers a message to the pool.
func (w *worker) run(env Env, factory RegistryFactory, post func(any)) {
	defer close(w.done)
	logger := env.Logger.With("worker_id", w.id)

	registry, err := factory(env)
	if err != nil {
		post(exitedMsg{worker: w, err: errors.Wrap(err, "worker", "run", "build registry")})
		return
	}
	post(readyMsg{worker: w})
	exited := func(err error) { post(exitedMsg{worker: w, err: err, ready: true}) }

	var current *running
	stopping := false
	finished := make(chan taskDone, 1)

	for {
		select {
		case msg := <-w.inbox:
			switch m := msg.(type) {
			case invokeMsg:
				if current != nil {
					// The pool only invokes captured workers
					post(resultMsg{worker: w, TaskID: m.TaskID,
						Err: errors.NewAPIError(errors.CodeServiceUnavailable, "worker busy")})
					continue
				}
				ctx, cancel := context.WithCancelCause(context.Background())
				current = &running{taskID: m.TaskID, cancel: cancel}
				go execute(ctx, w, registry, m, logger, finished)
			case abortMsg:
				if current != nil && current.taskID == m.TaskID {
					current.cancel(fmt.Errorf("task aborted: %s", m.Reason))
				}
			case stopMsg:
				stopping = true
				if current == nil {
					exited(nil)
					return
				}
				current.cancel(ErrPoolStopped)
			}

		case d := <-finished:
			current.cancel(nil)
			current = nil
			post(d.msg)
			if d.panicked != nil {
				exited(d.panicked)
				return
			}
			if stopping {
				exited(nil)
				return
			}
		}
	}
}

// execute runs one task and reports through finished. Panics are turned
// into TaskFailed and end the worker.
func execute(ctx context.Context, w *worker, registry Registry, m invokeMsg, logger *slog.Logger, finished chan<- taskDone) {
	logger = logger.With("task", m.Task, "task_id", m.TaskID)
	out := taskDone{msg: resultMsg{worker: w, TaskID: m.TaskID}}

	defer func() {
		if r := recover(); r != nil {
			out.panicked = fmt.Errorf("task %s panicked: %v", m.Task, r)
			logger.Error("Task panicked", "panic", r, "stack", string(debug.Stack()))
			out.msg.Value = nil
			out.msg.exiting = true
			out.msg.Err = errors.NewAPIError(errors.CodeTaskFailed, "task failed").WithCause(out.panicked)
		}
		finished <- out
	}()

	task, ok := registry[m.Task]
	if !ok {
		out.msg.Err = errors.APIErrorf(errors.CodeNotFound, "task %q not found", m.Task).WithCause(ErrUnknownTask)
		return
	}

	value, err := task(ctx, m.Args)
	if err == nil {
		raw, merr := json.Marshal(value)
		if merr == nil {
			out.msg.Value = raw
			return
		}
		err = errors.Wrap(merr, "worker", "execute", "marshal task result")
	}
	out.msg.Err = taskError(ctx, err, logger)
}

// taskError converts a task failure into an error for the invoking side.
// Coded errors pass through; anything else is logged and replaced.
func taskError(ctx context.Context, err error, logger *slog.Logger) *errors.APIError {
	if apiErr, ok := errors.AsAPIError(err); ok {
		return apiErr
	}
	if cause := context.Cause(ctx); cause != nil && stderrors.Is(err, context.Canceled) {
		return errors.NewAPIError(errors.CodeTaskFailed, "task aborted").WithCause(cause)
	}
	logger.Error("Task failed", "error", err)
	return errors.NewAPIError(errors.CodeTaskFailed, "task failed").WithCause(err)
}
