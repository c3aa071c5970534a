package rpc

import (
	"context"

	"github.com/c360/semrpc/errors"
)

// CallInfo describes a call to dispatch hooks
type CallInfo struct {
	CallID       uint64
	Procedure    string
	Transport    string
	ConnectionID string

	// Metadata holds transport headers, e.g. traceparent
	Metadata map[string]string
}

// HookToken is opaque state passed from OnDispatchStart to OnDispatchEnd.
// Only the hook that created it interprets it.
type HookToken any

// Hook observes every dispatched call
type Hook interface {
	OnDispatchStart(ctx context.Context, info CallInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info CallInfo, err *errors.APIError)
}
