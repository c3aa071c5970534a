package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/pkg/retry"
	"github.com/c360/semrpc/pkg/security"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClient_InvalidTLSOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTLS(security.ClientTLSConfig{
		CAFiles: []string{"/nonexistent/ca.pem"},
	}))
	require.Error(t, err)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	client, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	client.recordFailure()
	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(3), client.Failures())
	assert.Equal(t, 2*time.Second, client.Backoff())
}

func TestCircuitBreaker_BackoffCapped(t *testing.T) {
	client, err := NewClient("nats://invalid:4222",
		WithCircuitBreakerThreshold(1),
		WithMaxBackoff(4*time.Second),
	)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestConnect_OpenCircuitNotRetried(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithCircuitBreakerThreshold(1),
		WithTimeout(100*time.Millisecond),
		WithRetry(retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(1), client.Failures())
}

func TestDialError_Classification(t *testing.T) {
	auth := dialError(nats.ErrAuthorization)
	assert.True(t, errors.IsFatal(auth))
	assert.False(t, errors.IsTransient(auth))
	assert.ErrorIs(t, auth, nats.ErrAuthorization)

	down := dialError(nats.ErrNoServers)
	assert.True(t, errors.IsTransient(down))
	assert.ErrorIs(t, down, nats.ErrNoServers)
}

func TestConnect_RefusedIsRetriedAsTransient(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithCircuitBreakerThreshold(10),
		WithTimeout(100*time.Millisecond),
		WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrMaxRetriesExceeded)
	assert.Equal(t, int32(3), client.Failures())
}

func TestPublish_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish(context.Background(), "subject", []byte("data"))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Subscribe(context.Background(), "subject", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}
