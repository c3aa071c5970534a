// Package natsclient manages the NATS connection used to fan subscription
// emissions out across server processes.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
	ErrClosed       = stderrors.New("client closed")
)

// Client wraps a NATS connection with a circuit breaker and health reporting
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	subs map[*nats.Subscription]struct{}

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Int64 // time.Duration
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	retry         retry.Config
	clientName    string
	natsOpts      []nats.Option

	onHealthChange func(bool)

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a client. Call Connect to dial.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		subs:             make(map[*nats.Subscription]struct{}),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
		retry:            retry.Quick(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	c.logger = c.logger.With("component", "natsclient", "url", url)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failure count since the last successful operation
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (c *Client) Backoff() time.Duration {
	return time.Duration(c.backoff.Load())
}

// recordFailure counts a failure and opens the circuit once the threshold
// is reached. The circuit half-opens again after the current backoff.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}
	c.circuitFailures.Store(0)

	current := c.Backoff()
	next := current * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(int64(next))

	if c.Status() == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	c.setStatus(StatusCircuitOpen)
	c.logger.Warn("Circuit breaker opened", "failures", c.failures.Load(), "backoff", current)
	time.AfterFunc(current, func() {
		c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
	})
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(int64(time.Second))
	c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return append(opts, c.natsOpts...)
}

// Connect dials the server, retrying transient failures with backoff
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	cfg := c.retry
	cfg.ShouldRetry = errors.IsTransient

	err := retry.Do(ctx, cfg, func() error {
		return c.dial(ctx)
	})
	if err != nil {
		if errors.IsFatal(err) {
			return errors.WrapFatal(err, "Client", "Connect", "establish connection")
		}
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}
	return nil
}

// dialError classifies a failed connection attempt. Rejected credentials
// will not get better with another attempt.
func dialError(err error) error {
	switch {
	case stderrors.Is(err, nats.ErrAuthorization), stderrors.Is(err, nats.ErrAuthExpired):
		return errors.WrapFatal(err, "Client", "dial", "authenticate")
	default:
		return errors.WrapTransient(err, "Client", "dial", "connect")
	}
}

func (c *Client) dial(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return retry.NonRetryable(ErrCircuitOpen)
	}
	c.setStatus(StatusConnecting)
	c.logger.Debug("Connecting to NATS")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.recordFailure()
			c.status.CompareAndSwap(StatusConnecting, StatusDisconnected)
			return dialError(r.err)
		}
		c.mu.Lock()
		c.conn = r.conn
		c.mu.Unlock()
	case <-ctx.Done():
		c.recordFailure()
		c.status.CompareAndSwap(StatusConnecting, StatusDisconnected)
		// A late connection is closed by the dial goroutine's result
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "dial", "wait for connection")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS")
	c.notifyHealth(true)
	return nil
}

// WaitForConnection blocks until the client is connected or ctx is done
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// RTT returns the round-trip time to the server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Connection returns the underlying connection, nil before Connect
func (c *Client) Connection() *nats.Conn {
	return c.connection()
}

func (c *Client) connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Subscribe registers handler for subject. Messages are delivered on the
// NATS dispatch goroutine in publish order. The returned function removes
// the subscription.
func (c *Client) Subscribe(
	ctx context.Context,
	subject string,
	handler func(ctx context.Context, data []byte),
) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}
	c.subs[sub] = struct{}{}

	var once sync.Once
	return func() error {
		var unsubErr error
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				unsubErr = errors.Wrap(err, "Client", "Subscribe", "unsubscribe")
			}
		})
		return unsubErr
	}, nil
}

// Publish sends data on subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Close drains the connection. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = make(map[*nats.Subscription]struct{})
	c.mu.Unlock()

	defer c.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var err error
	select {
	case drainErr := <-drained:
		if drainErr != nil {
			err = errors.Wrap(drainErr, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		err = errors.WrapTransient(fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain")
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "Client", "Close", "drain")
	}
	conn.Close()
	return err
}

func (c *Client) notifyHealth(healthy bool) {
	c.mu.RLock()
	fn := c.onHealthChange
	c.mu.RUnlock()
	if fn != nil {
		fn(healthy)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	c.notifyHealth(false)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("NATS reconnected")
	c.notifyHealth(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.notifyHealth(false)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS error", "subject", subject, "error", err)
}
