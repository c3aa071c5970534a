package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"service busy", ErrServiceBusy, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"timeout in message", fmt.Errorf("read timeout"), ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"protocol", ErrProtocol, ErrorInvalid},
		{"parsing", fmt.Errorf("decode: %w", ErrParsingFailed), ErrorInvalid},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: errors.New("x")}, ErrorFatal},
		{"unknown defaults to transient", errors.New("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}

	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsInvalid(nil))
}

func TestWrap(t *testing.T) {
	base := errors.New("refused")

	assert.Nil(t, Wrap(nil, "Client", "Connect", "dial"))

	err := Wrap(base, "Client", "Connect", "dial")
	assert.Equal(t, "Client.Connect: dial failed: refused", err.Error())
	assert.ErrorIs(t, err, base)

	err = WrapInvalid(base, "Loader", "Load", "parse")
	assert.True(t, IsInvalid(err))
	assert.ErrorIs(t, err, base)

	var ce *ClassifiedError
	require.True(t, errors.As(WrapFatal(base, "Server", "Start", "listen"), &ce))
	assert.Equal(t, "Server", ce.Component)
	assert.Equal(t, "Start", ce.Operation)
	assert.Equal(t, ErrorFatal, ce.Class)

	assert.True(t, IsTransient(WrapTransient(base, "a", "b", "c")))
}

func TestAPIError_JSON(t *testing.T) {
	err := NewAPIError(CodeValidation, "bad input", map[string]string{"field": "name"}).
		WithCause(errors.New("secret internals"))

	raw, jerr := json.Marshal(err)
	require.NoError(t, jerr)
	assert.JSONEq(t, `{"code":"ValidationError","message":"bad input","data":{"field":"name"}}`, string(raw))
	assert.NotContains(t, string(raw), "secret")
}

func TestAPIError_DefaultsAndMatching(t *testing.T) {
	err := NewAPIError(CodeNotFound, "")
	assert.Equal(t, "NotFound", err.Message)

	wrapped := fmt.Errorf("lookup: %w", APIErrorf(CodeNotFound, "procedure %q", "x"))
	assert.ErrorIs(t, wrapped, NewAPIError(CodeNotFound, ""))
	assert.False(t, errors.Is(wrapped, NewAPIError(CodeForbidden, "")))
	assert.True(t, HasCode(wrapped, CodeNotFound))
	assert.False(t, HasCode(errors.New("plain"), CodeNotFound))
}

func TestMask(t *testing.T) {
	apiErr, masked := Mask(nil)
	assert.Nil(t, apiErr)
	assert.False(t, masked)

	known := NewAPIError(CodeForbidden, "nope")
	apiErr, masked = Mask(fmt.Errorf("guard: %w", known))
	assert.Same(t, known, apiErr)
	assert.False(t, masked)

	apiErr, masked = Mask(context.DeadlineExceeded)
	assert.Equal(t, CodeRequestTimeout, apiErr.Code)
	assert.False(t, masked)

	cause := errors.New("nil pointer in handler")
	apiErr, masked = Mask(cause)
	assert.True(t, masked)
	assert.Equal(t, CodeInternal, apiErr.Code)
	assert.Equal(t, "Internal server error", apiErr.Message)
	assert.ErrorIs(t, apiErr, cause)
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Code]int{
		CodeValidation:         http.StatusBadRequest,
		CodeUnauthorized:       http.StatusUnauthorized,
		CodeForbidden:          http.StatusForbidden,
		CodeNotFound:           http.StatusNotFound,
		CodeRequestTimeout:     http.StatusRequestTimeout,
		CodePoolTimeout:        http.StatusGatewayTimeout,
		CodeServiceUnavailable: http.StatusServiceUnavailable,
		CodeInternal:           http.StatusInternalServerError,
		CodeTaskFailed:         http.StatusInternalServerError,
	}
	for code, status := range tests {
		assert.Equal(t, status, HTTPStatus(code), string(code))
	}
}
