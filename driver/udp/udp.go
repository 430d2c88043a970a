// Package udp implements a driver for RetroArch's network command interface.
// Memory is read with READ_CORE_MEMORY requests over a connected UDP socket;
// replies arrive asynchronously and are matched to waiting readers by
// command, address and length.
package udp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/memhook/driver"
	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/metric"
	"github.com/c360/memhook/pkg/retry"
	"github.com/c360/memhook/platform"
)

// Defaults for the RetroArch network command interface
const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 55355
	DefaultReadTimeout = 75 * time.Millisecond

	driverName     = "RetroArch"
	maxPacketSize  = 65536
	readDeadline   = 100 * time.Millisecond
	reconnectDelay = 100 * time.Millisecond
)

// State is the connection state of the driver socket
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Config holds driver settings
type Config struct {
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// DefaultConfig returns the settings for a local RetroArch
func DefaultConfig() Config {
	return Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("empty host"), "RetroArchDriver", "Validate", "host validation")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port), "RetroArchDriver", "Validate", "port validation")
	}
	if c.ReadTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("read timeout must be positive, got %v", c.ReadTimeout),
			"RetroArchDriver", "Validate", "timeout validation")
	}
	return nil
}

// Deps holds runtime dependencies for the driver
type Deps struct {
	Config          Config
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Driver talks to RetroArch over UDP
type Driver struct {
	cfg     Config
	remote  string
	logger  *slog.Logger
	metrics *Metrics
	dialer  net.Dialer

	mu       sync.RWMutex // guards conn, running, closed
	conn     net.Conn
	running  bool
	closed   bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string][]chan []byte

	state atomic.Int32
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver. Call Start to open the socket.
func New(deps Deps) (*Driver, error) {
	cfg := deps.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	remote := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	logger = logger.With("component", "retroarch-driver", "remote", remote)

	return &Driver{
		cfg:      cfg,
		remote:   remote,
		logger:   logger,
		metrics:  newMetrics(deps.MetricsRegistry, logger),
		dialer:   net.Dialer{Control: reuseAddr},
		shutdown: make(chan struct{}),
		pending:  make(map[string][]chan []byte),
	}, nil
}

// Name returns the driver's display name
func (d *Driver) Name() string { return driverName }

// State returns the current connection state
func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
	if d.metrics != nil {
		d.metrics.state.Set(float64(s))
	}
}

// Start opens the socket and runs the receive loop until Close is called or
// ctx is cancelled. It is idempotent.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.WrapFatal(errors.ErrDriverDisconnected, "RetroArchDriver", "Start", "driver closed")
	}
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	if err := retry.Do(ctx, retry.Bind(), d.dial); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return errors.WrapTransient(err, "RetroArchDriver", "Start", "socket dial")
	}
	d.setState(StateConnected)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release()
		d.receiveLoop(ctx)
	}()

	d.logger.Debug("Driver started")
	return nil
}

// Close stops the receive loop and releases the socket. Pending reads fail
// with ErrDriverDisconnected.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.shutdown)
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	d.wg.Wait()
	d.setState(StateDisconnected)
	d.logger.Debug("Driver closed")
	return nil
}

// release closes the socket once the receive loop has exited so a later
// Start can dial again.
func (d *Driver) release() {
	d.mu.Lock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	d.running = false
	d.mu.Unlock()
	d.setState(StateDisconnected)
}

// dial creates a fresh connected socket and swaps it in
func (d *Driver) dial() error {
	conn, err := d.dialer.Dial("udp", d.remote)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.remote, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = conn.Close()
		return retry.NonRetryable(errors.ErrDriverDisconnected)
	}
	old := d.conn
	d.conn = conn
	d.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (d *Driver) currentConn() net.Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn
}

func (d *Driver) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-d.shutdown:
		return true
	default:
		return false
	}
}

// receiveLoop completes waiting reads. Any receive failure other than the
// periodic deadline tears the socket down and recreates it.
func (d *Driver) receiveLoop(ctx context.Context) {
	buf := make([]byte, maxPacketSize)

	for !d.stopping(ctx) {
		conn := d.currentConn()
		if conn == nil {
			if !d.reconnect(ctx) {
				return
			}
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if d.stopping(ctx) {
				return
			}
			d.logger.Debug("Receive failed, recreating socket", "error", err)
			if !d.reconnect(ctx) {
				return
			}
			continue
		}

		d.handlePacket(buf[:n])
	}
}

// reconnect replaces the socket. It returns false when the driver is
// stopping.
func (d *Driver) reconnect(ctx context.Context) bool {
	d.setState(StateReconnecting)

	d.mu.Lock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	d.mu.Unlock()

	timer := time.NewTimer(reconnectDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-d.shutdown:
		timer.Stop()
		return false
	case <-timer.C:
	}

	if err := retry.Do(ctx, retry.Connect(), d.dial); err != nil {
		if d.stopping(ctx) {
			return false
		}
		d.logger.Debug("Reconnect failed", "error", err)
		return true
	}

	if d.metrics != nil {
		d.metrics.reconnects.Inc()
	}
	d.setState(StateConnected)
	return true
}

func (d *Driver) handlePacket(packet []byte) {
	resp, err := parseResponse(packet)
	if err != nil {
		if stderrors.Is(err, errEmulatorRejected) {
			d.logger.Warn("Emulator returned an error", "packet", string(packet))
			d.metrics.dropped("emulator_error")
			return
		}
		d.logger.Debug("Dropping malformed packet", "error", err)
		d.metrics.dropped("malformed")
		return
	}

	if !d.complete(resp.key, resp.data) {
		d.logger.Debug("Dropping unmatched response", "key", resp.key)
		d.metrics.dropped("unmatched")
		return
	}

	if d.metrics != nil {
		d.metrics.bytesReceived.Add(float64(len(resp.data)))
	}
}

// register adds a one-shot waiter for key. It must be called before the
// request is sent.
func (d *Driver) register(key string) chan []byte {
	ch := make(chan []byte, 1)
	d.pendingMu.Lock()
	d.pending[key] = append(d.pending[key], ch)
	d.pendingMu.Unlock()
	return ch
}

// unregister removes a waiter that did not receive a response
func (d *Driver) unregister(key string, ch chan []byte) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	waiters := d.pending[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(d.pending, key)
		return
	}
	d.pending[key] = waiters
}

// complete hands data to every reader waiting on key
func (d *Driver) complete(key string, data []byte) bool {
	d.pendingMu.Lock()
	waiters := d.pending[key]
	delete(d.pending, key)
	d.pendingMu.Unlock()

	for _, ch := range waiters {
		ch <- data
	}
	return len(waiters) > 0
}

func (d *Driver) pendingCount() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	n := 0
	for _, w := range d.pending {
		n += len(w)
	}
	return n
}

func (d *Driver) send(payload string) error {
	conn := d.currentConn()
	if conn == nil {
		return errors.WrapTransient(errors.ErrDriverDisconnected, "RetroArchDriver", "send", "socket check")
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDriverDisconnected, err),
			"RetroArchDriver", "send", "socket write")
	}
	d.logger.Debug("Sent packet", "payload", payload)
	return nil
}

// ReadBytes reads each block in turn. Blocks are requested one at a time;
// RetroArch serves requests sequentially anyway.
func (d *Driver) ReadBytes(ctx context.Context, blocks []platform.MemoryAddressBlock) (driver.ReadBytesResult, error) {
	result := make(driver.ReadBytesResult, len(blocks))
	for _, block := range blocks {
		data, err := d.read(ctx, block.Start, block.Len())
		if err != nil {
			return nil, err
		}
		result[block.Name] = data
	}
	return result, nil
}

func (d *Driver) read(ctx context.Context, address uint32, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := readKey(address, length)
	ch := d.register(key)
	defer d.unregister(key, ch)

	start := time.Now()
	if err := d.send(key); err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.requests.Inc()
	}

	timer := time.NewTimer(d.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		if d.metrics != nil {
			d.metrics.roundTrip.Observe(time.Since(start).Seconds())
		}
		return data, nil
	case <-timer.C:
		if d.metrics != nil {
			d.metrics.timeouts.Inc()
		}
		d.logger.Debug("Timed out waiting for response", "key", key, "timeout", d.cfg.ReadTimeout)
		return nil, &errors.DriverTimeoutError{Address: address, Driver: driverName}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.shutdown:
		return nil, errors.WrapTransient(errors.ErrDriverDisconnected, "RetroArchDriver", "ReadBytes", "await response")
	}
}

// WriteBytes sends a WRITE_CORE_MEMORY command. RetroArch does not
// acknowledge writes, so success means the datagram was sent.
func (d *Driver) WriteBytes(ctx context.Context, address uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.send(writeCommand(address, data)); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.writes.Inc()
	}
	return nil
}
