package rpc

import (
	"context"
	"sync"

	"github.com/c360/semrpc/errors"
)

// CallTable tracks in-flight calls of one connection by call id. A call
// stays registered, with its context live, until it is settled by the
// transport or aborted. Streams and subscriptions keep their call
// registered for as long as they are served.
type CallTable struct {
	mu    sync.Mutex
	calls map[uint64]*PendingCall
}

// PendingCall is one registered call
type PendingCall struct {
	ID uint64

	ctx     context.Context
	cancel  context.CancelFunc
	table   *CallTable
	onAbort func()
}

// NewCallTable creates an empty table
func NewCallTable() *CallTable {
	return &CallTable{calls: make(map[uint64]*PendingCall)}
}

// Begin registers callID. A call id already in flight is rejected with
// BadRequest.
func (t *CallTable) Begin(ctx context.Context, callID uint64) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[callID]; exists {
		return nil, errors.APIErrorf(errors.CodeBadRequest, "call %d is already in flight", callID)
	}
	callCtx, cancel := context.WithCancel(ctx)
	p := &PendingCall{ID: callID, ctx: callCtx, cancel: cancel, table: t}
	t.calls[callID] = p
	return p, nil
}

// Context is cancelled when the call is settled or aborted
func (p *PendingCall) Context() context.Context {
	return p.ctx
}

// Active reports whether the call is still registered
func (p *PendingCall) Active() bool {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	return p.table.calls[p.ID] == p
}

// OnAbort sets fn to run when the client aborts the call. It returns false
// when the call is no longer registered; fn is then never run.
func (p *PendingCall) OnAbort(fn func()) bool {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	if p.table.calls[p.ID] != p {
		return false
	}
	p.onAbort = fn
	return true
}

// Settle unregisters the call and cancels its context. It reports whether
// the call was still registered, which tells the caller whether a response
// should be sent. A call id reused after an abort is left alone.
func (p *PendingCall) Settle() bool {
	p.table.mu.Lock()
	ok := p.table.calls[p.ID] == p
	if ok {
		delete(p.table.calls, p.ID)
	}
	p.table.mu.Unlock()

	p.cancel()
	return ok
}

// Abort cancels and removes callID and runs its abort hook. It reports
// whether the call was pending.
func (t *CallTable) Abort(callID uint64) bool {
	t.mu.Lock()
	p, ok := t.calls[callID]
	delete(t.calls, callID)
	var hook func()
	if ok {
		hook = p.onAbort
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.cancel()
	if hook != nil {
		hook()
	}
	return true
}

// AbortAll cancels every pending call. Abort hooks are not run; the
// connection tears down its streams and subscriptions itself.
func (t *CallTable) AbortAll() int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint64]*PendingCall)
	t.mu.Unlock()

	for _, p := range calls {
		p.cancel()
	}
	return len(calls)
}

// Len returns the number of pending calls
func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
