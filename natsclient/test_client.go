package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient is a connected client backed by a NATS container
type TestClient struct {
	Client  *Client
	URL     string
	cleanup func()
}

type testConfig struct {
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures NewTestClient
type TestOption func(*testConfig)

// WithNATSVersion selects the nats image tag
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) {
		cfg.natsVersion = version
	}
}

// WithStartTimeout sets the container startup timeout
func WithStartTimeout(timeout time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.startTimeout = timeout
	}
}

// StartContainer runs a NATS server and returns its client URL together
// with a terminate function. It does not need a testing.T so it can be
// used from TestMain.
func StartContainer(ctx context.Context, opts ...TestOption) (string, func(), error) {
	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	req := testcontainers.ContainerRequest{
		Image:        "nats:" + cfg.natsVersion,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to start NATS container: %w", err)
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		return "", nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		terminate()
		return "", nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return fmt.Sprintf("nats://%s:%s", host, port.Port()), terminate, nil
}

// NewTestClient starts a NATS container and returns a connected client.
// Both are torn down by t.Cleanup.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	cfg := &testConfig{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	url, terminate, err := StartContainer(ctx, opts...)
	if err != nil {
		t.Fatalf("Failed to start NATS: %v", err)
	}

	client, err := NewClient(url, WithTimeout(cfg.timeout), WithMaxReconnects(0))
	if err != nil {
		terminate()
		t.Fatalf("Failed to create NATS client: %v", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		terminate()
		t.Fatalf("Failed to connect to NATS: %v", err)
	}

	tc := &TestClient{
		Client: client,
		URL:    url,
		cleanup: func() {
			_ = client.Close(context.Background())
			terminate()
		},
	}
	t.Cleanup(tc.cleanup)
	return tc
}

// Terminate tears down early; it is otherwise handled by t.Cleanup
func (tc *TestClient) Terminate() {
	if tc.cleanup != nil {
		tc.cleanup()
		tc.cleanup = func() {}
	}
}

// NewPeer connects an additional client to the same server, standing in
// for a second server process
func (tc *TestClient) NewPeer(t testing.TB) *Client {
	t.Helper()
	peer, err := NewClient(tc.URL, WithMaxReconnects(0))
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := peer.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect peer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close(context.Background()) })
	return peer
}
