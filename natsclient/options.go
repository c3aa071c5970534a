package natsclient

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/semrpc/pkg/retry"
	"github.com/c360/semrpc/pkg/security"
	"github.com/c360/semrpc/pkg/tlsutil"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(maxReconnects int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = maxReconnects
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the server ping interval
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout sets the maximum time Close waits for a drain
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithRetry sets the backoff used by Connect
func WithRetry(cfg retry.Config) ClientOption {
	return func(c *Client) error {
		c.retry = cfg
		return nil
	}
}

// WithCircuitBreakerThreshold sets the number of failures before opening circuit
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker backoff
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithName sets the client name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithCredentials sets username and password for authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		if username != "" {
			c.natsOpts = append(c.natsOpts, nats.UserInfo(username, password))
		}
		return nil
	}
}

// WithToken sets a token for authentication
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		if token != "" {
			c.natsOpts = append(c.natsOpts, nats.Token(token))
		}
		return nil
	}
}

// WithTLS secures the connection with the shared client TLS settings
func WithTLS(cfg security.ClientTLSConfig) ClientOption {
	return func(c *Client) error {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg)
		if err != nil {
			return err
		}
		c.natsOpts = append(c.natsOpts, nats.Secure(tlsConfig))
		return nil
	}
}

// WithHealthChangeCallback sets a callback for health status changes
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}
