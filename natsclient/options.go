package natsclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/memhook/metric"
)

// ClientOption configures a Client
type ClientOption func(*Client) error

// WithName sets the connection name shown by the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.opts.name = name
		return nil
	}
}

// WithMaxReconnects bounds reconnection attempts after a drop; -1 is unlimited
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		if n < -1 {
			return fmt.Errorf("max reconnects %d below -1", n)
		}
		c.opts.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("negative reconnect wait %v", d)
		}
		c.opts.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets how often the library pings the server
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("ping interval must be positive, got %v", d)
		}
		c.opts.pingInterval = d
		return nil
	}
}

// WithTimeout bounds a single dial
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.opts.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds Close
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout must be positive, got %v", d)
		}
		c.opts.drainTimeout = d
		return nil
	}
}

// WithCredentials authenticates with a username and password
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.opts.username = username
		c.opts.password = password
		return nil
	}
}

// WithToken authenticates with a token
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.opts.token = token
		return nil
	}
}

// WithTLSConfig secures the connection with cfg, typically built by
// tlsutil.LoadClientTLSConfig. A nil cfg leaves TLS to the server URL scheme.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.opts.tlsConfig = cfg
		return nil
	}
}

// WithLogger sets the client's logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "natsclient")
		}
		return nil
	}
}

// WithHealthChangeCallback is called with true on connect and reconnect and
// with false on disconnect. Calls are serialized.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithMetrics registers publish and connection metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		m, err := newClientMetrics(registry)
		if err != nil {
			return err
		}
		c.metrics = m
		return nil
	}
}
