package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, client-visible error code
type Code string

// API error codes. Clients branch on these, never on messages.
const (
	CodeValidation         Code = "ValidationError"
	CodeBadRequest         Code = "BadRequest"
	CodeNotFound           Code = "NotFound"
	CodeForbidden          Code = "Forbidden"
	CodeUnauthorized       Code = "Unauthorized"
	CodeInternal           Code = "InternalServerError"
	CodeNotAcceptable      Code = "NotAcceptable"
	CodeRequestTimeout     Code = "RequestTimeout"
	CodeGatewayTimeout     Code = "GatewayTimeout"
	CodeServiceUnavailable Code = "ServiceUnavailable"
	CodeStreamAborted      Code = "StreamAborted"
	CodeStreamNotFound     Code = "StreamNotFound"
	CodePoolTimeout        Code = "PoolTimeout"
	CodePoolEmpty          Code = "PoolEmpty"
	CodeTaskFailed         Code = "TaskFailed"
	CodeProtocol           Code = "ProtocolError"
)

// APIError is an error that may cross the process boundary. Code, Message
// and Data are sent to the client; the wrapped cause is kept for logs only.
type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	cause error
}

// NewAPIError creates an APIError. An empty message defaults to the code.
func NewAPIError(code Code, message string, data ...any) *APIError {
	if message == "" {
		message = string(code)
	}
	e := &APIError{Code: code, Message: message}
	if len(data) > 0 {
		e.Data = data[0]
	}
	return e
}

// APIErrorf creates an APIError with a formatted message
func APIErrorf(code Code, format string, args ...any) *APIError {
	return NewAPIError(code, fmt.Sprintf(format, args...))
}

// WithCause attaches an internal cause that is never serialized
func (e *APIError) WithCause(cause error) *APIError {
	e.cause = cause
	return e
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal cause
func (e *APIError) Unwrap() error {
	return e.cause
}

// Is matches APIErrors by code so errors.Is(err, NewAPIError(CodeNotFound, "")) works
func (e *APIError) Is(target error) bool {
	var t *APIError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// AsAPIError returns the first APIError in err's chain
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given API code
func HasCode(err error, code Code) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// Mask converts any error into something safe to return to a client.
// Recognized API errors pass through verbatim, deadline errors become
// RequestTimeout, and everything else becomes a generic InternalServerError
// with the original error kept as the cause. The second return value
// reports whether masking hid an unrecognized error.
func Mask(err error) (*APIError, bool) {
	if err == nil {
		return nil, false
	}
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAPIError(CodeRequestTimeout, "request timed out").WithCause(err), false
	}
	return NewAPIError(CodeInternal, "Internal server error").WithCause(err), true
}

// HTTPStatus maps an API code to an HTTP status code
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest, CodeProtocol:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeStreamNotFound:
		return http.StatusNotFound
	case CodeNotAcceptable:
		return http.StatusNotAcceptable
	case CodeRequestTimeout:
		return http.StatusRequestTimeout
	case CodeGatewayTimeout, CodePoolTimeout:
		return http.StatusGatewayTimeout
	case CodeServiceUnavailable, CodePoolEmpty:
		return http.StatusServiceUnavailable
	case CodeStreamAborted:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
