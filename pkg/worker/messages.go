package worker

import (
	"encoding/json"

	"github.com/c360/semrpc/errors"
)

// Messages sent by the pool to a worker

type invokeMsg struct {
	TaskID string
	Task   string
	Args   json.RawMessage
}

type abortMsg struct {
	TaskID string
	Reason string
}

type stopMsg struct{}

// Messages sent by a worker to the pool

type readyMsg struct {
	worker *worker
}

type resultMsg struct {
	worker *worker
	TaskID string
	Value  json.RawMessage
	Err    *errors.APIError

	// exiting is set when the worker terminates right after this result
	exiting bool
}

type exitedMsg struct {
	worker *worker
	err    error

	// ready reports whether the worker got as far as announcing itself
	ready bool
}
