package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/memhook/errors"
)

// ConnectionStatus is the client's view of the connection
type ConnectionStatus int32

// Connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

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
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by operations that need a live connection
	ErrNotConnected = stderrors.New("not connected to NATS")
	// ErrClosed is returned by Connect after Close
	ErrClosed = stderrors.New("nats client closed")
)

// Stats is a point-in-time view of the connection
type Stats struct {
	Status     ConnectionStatus
	Server     string
	Reconnects uint64
	OutMsgs    uint64
	OutBytes   uint64
	InMsgs     uint64
	RTT        time.Duration
}

type connOptions struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	tlsConfig *tls.Config
}

// Client owns one NATS connection. Reconnection after the first successful
// Connect is left to the NATS library; the initial Connect is retried by the
// caller.
type Client struct {
	url     string
	opts    connOptions
	logger  *slog.Logger
	metrics *clientMetrics

	onHealthChange func(bool)

	status atomic.Int32
	closed atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
	subs []*nats.Subscription
}

// NewClient creates an unconnected client for url, which may list several
// servers separated by commas.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		logger: slog.Default().With("component", "natsclient"),
		opts: connOptions{
			maxReconnects: -1,
			reconnectWait: 2 * time.Second,
			pingInterval:  30 * time.Second,
			timeout:       5 * time.Second,
			drainTimeout:  10 * time.Second,
		},
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	return c, nil
}

// URL returns the server URL the client dials
func (c *Client) URL() string { return c.url }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsHealthy reports whether the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	c.metrics.setStatus(s)
}

func (c *Client) healthChanged(healthy bool) {
	if c.onHealthChange != nil {
		c.onHealthChange(healthy)
	}
}

func (c *Client) connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// ConnectionOptions returns the options passed to nats.Connect
func (c *Client) ConnectionOptions() []nats.Option {
	o := c.opts
	opts := []nats.Option{
		nats.MaxReconnects(o.maxReconnects),
		nats.ReconnectWait(o.reconnectWait),
		nats.PingInterval(o.pingInterval),
		nats.Timeout(o.timeout),
		nats.DrainTimeout(o.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if o.name != "" {
		opts = append(opts, nats.Name(o.name))
	}
	if o.username != "" {
		opts = append(opts, nats.UserInfo(o.username, o.password))
	}
	if o.token != "" {
		opts = append(opts, nats.Token(o.token))
	}
	if o.tlsConfig != nil {
		opts = append(opts, nats.Secure(o.tlsConfig))
	}
	return opts
}

// Connect dials the server. Authorization failures are fatal; everything else
// is transient. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(ErrClosed, "Client", "Connect", "connect")
	}
	if c.connection() != nil {
		return nil
	}

	c.setStatus(StatusConnecting)
	c.logger.Debug("Dialing NATS", "url", c.url)

	type dialResult struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dialResult, 1)
	opts := c.ConnectionOptions()
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- dialResult{conn, err}
	}()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// a dial that completes late is closed, not leaked
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "dial cancelled")
	}

	if res.err != nil {
		c.setStatus(StatusDisconnected)
		if stderrors.Is(res.err, nats.ErrAuthorization) {
			return errors.WrapFatal(res.err, "Client", "Connect", "authorize")
		}
		return errors.WrapTransient(res.err, "Client", "Connect", "dial "+c.url)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		res.conn.Close()
		return errors.WrapFatal(ErrClosed, "Client", "Connect", "connect")
	}
	c.conn = res.conn
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "server", res.conn.ConnectedUrlRedacted())
	c.healthChanged(true)
	return nil
}

// Close drains subscriptions and pending publishes, bounded by the drain
// timeout and ctx, then closes the connection. It is idempotent.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = nil
	c.opts.password = ""
	c.opts.token = ""
	c.mu.Unlock()

	defer c.setStatus(StatusClosed)
	if conn == nil {
		return nil
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var err error
	select {
	case err = <-drained:
		if err != nil {
			err = errors.Wrap(err, "Client", "Close", "drain")
		}
	case <-time.After(c.opts.drainTimeout):
		err = errors.WrapTransient(fmt.Errorf("drain exceeded %v", c.opts.drainTimeout), "Client", "Close", "drain")
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "Client", "Close", "drain")
	}
	conn.Close()
	return err
}

// Publish sends data on subject
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		c.metrics.published(false, 0)
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		c.metrics.published(false, 0)
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	c.metrics.published(true, len(data))
	return nil
}

// Subscribe delivers every message on subject to handler with a context
// derived from ctx.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Flush blocks until the server has processed everything published so far
func (c *Client) Flush(ctx context.Context) error {
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// RTT measures the round trip to the server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Stats reports the connection counters. Counters are zero before Connect.
func (c *Client) Stats() Stats {
	s := Stats{Status: c.Status()}
	conn := c.connection()
	if conn == nil {
		return s
	}

	st := conn.Stats()
	s.Server = conn.ConnectedUrlRedacted()
	s.Reconnects = st.Reconnects
	s.OutMsgs = st.OutMsgs
	s.OutBytes = st.OutBytes
	s.InMsgs = st.InMsgs
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	c.healthChanged(false)
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.metrics.reconnected()
	c.logger.Info("NATS reconnected", "server", conn.ConnectedUrlRedacted())
	c.healthChanged(true)
}

// handleClosed fires when the library gives up reconnecting or after Close
func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusDisconnected)
	c.logger.Warn("NATS connection closed, reconnect attempts exhausted")
	c.healthChanged(false)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Warn("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Warn("NATS async error", "error", err)
}
