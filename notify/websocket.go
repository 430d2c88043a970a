package notify

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/memhook/mapper"
	"github.com/c360/memhook/metric"
)

// WebSocket sink defaults
const (
	DefaultClientBuffer = 256
	DefaultPingInterval = 30 * time.Second

	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 512
)

// WebSocketConfig configures a WebSocketNotifier
type WebSocketConfig struct {
	ClientBuffer    int                     // optional, DefaultClientBuffer
	PingInterval    time.Duration           // optional, DefaultPingInterval
	AllowedOrigins  []string                // optional, empty allows any origin
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// WebSocketNotifier broadcasts every event, as the same JSON envelope the NATS
// sink publishes, to all connected WebSocket clients. It is an http.Handler.
//
// Clients only receive; anything they send is discarded. A client whose send
// buffer is full is disconnected instead of holding up the others.
type WebSocketNotifier struct {
	upgrader     websocket.Upgrader
	clientBuffer int
	pingInterval time.Duration
	logger       *slog.Logger
	metrics      *wsMetrics
	now          func() time.Time

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

var (
	_ ClientNotifier = (*WebSocketNotifier)(nil)
	_ http.Handler   = (*WebSocketNotifier)(nil)
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewWebSocketNotifier creates a WebSocket sink
func NewWebSocketNotifier(cfg WebSocketConfig) (*WebSocketNotifier, error) {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultClientBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newWSMetrics(cfg.MetricsRegistry)
	if err != nil {
		return nil, err
	}

	origins := slices.Clone(cfg.AllowedOrigins)
	return &WebSocketNotifier{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || slices.Contains(origins, origin)
			},
		},
		clientBuffer: cfg.ClientBuffer,
		pingInterval: cfg.PingInterval,
		logger:       logger.With("component", "notify-websocket"),
		metrics:      metrics,
		now:          time.Now,
		clients:      make(map[*wsClient]struct{}),
	}, nil
}

// ServeHTTP upgrades the request and registers the client
func (n *WebSocketNotifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		http.Error(w, "notifier closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		n.metrics.upgradeFailed()
		n.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, n.clientBuffer),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = conn.Close()
		return
	}
	n.clients[c] = struct{}{}
	count := len(n.clients)
	n.wg.Add(2)
	n.mu.Unlock()

	n.metrics.connected(count)
	n.logger.Debug("WebSocket client connected", "remote", r.RemoteAddr, "clients", count)

	go n.readLoop(c)
	go n.writeLoop(c)
}

// readLoop drains client frames so pongs and close frames are processed
func (n *WebSocketNotifier) readLoop(c *wsClient) {
	defer n.wg.Done()
	defer n.remove(c, "closed")

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * n.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * n.pingInterval))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer of data frames for c
func (n *WebSocketNotifier) writeLoop(c *wsClient) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				n.remove(c, "write_error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				n.remove(c, "ping_error")
				return
			}
		}
	}
}

func (n *WebSocketNotifier) remove(c *wsClient, reason string) {
	n.mu.Lock()
	_, ok := n.clients[c]
	delete(n.clients, c)
	count := len(n.clients)
	n.mu.Unlock()

	c.close()
	if ok {
		n.metrics.disconnected(reason, count)
		n.logger.Debug("WebSocket client disconnected", "reason", reason, "clients", count)
	}
}

// Clients returns the number of connected clients
func (n *WebSocketNotifier) Clients() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// Close disconnects every client and rejects new ones
func (n *WebSocketNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	clients := n.clients
	n.clients = make(map[*wsClient]struct{})
	n.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	for c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.close()
	}
	n.wg.Wait()
	n.metrics.connected(0)
	return nil
}

func (n *WebSocketNotifier) broadcast(ctx context.Context, eventName string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := marshalEnvelope("WebSocketNotifier", eventName, n.now(), data)
	if err != nil {
		return err
	}

	n.mu.RLock()
	clients := make([]*wsClient, 0, len(n.clients))
	for c := range n.clients {
		clients = append(clients, c)
	}
	n.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.done:
		case c.send <- body:
			n.metrics.sent(eventName)
		default:
			n.logger.Warn("Disconnecting slow WebSocket client", "event", eventName)
			n.remove(c, "slow")
		}
	}
	return nil
}

// OnMapperLoading broadcasts a mapper_loading event
func (n *WebSocketNotifier) OnMapperLoading(ctx context.Context) error {
	return n.broadcast(ctx, EventMapperLoading, nil)
}

// OnMapperLoaded broadcasts the loaded mapper's metadata
func (n *WebSocketNotifier) OnMapperLoaded(ctx context.Context, meta mapper.Meta) error {
	return n.broadcast(ctx, EventMapperLoaded, meta)
}

// OnPropertyChanged broadcasts a value change
func (n *WebSocketNotifier) OnPropertyChanged(ctx context.Context, change PropertyChange) error {
	return n.broadcast(ctx, EventPropertyChanged, change)
}

// OnPropertyFrozen broadcasts a freeze
func (n *WebSocketNotifier) OnPropertyFrozen(ctx context.Context, path string) error {
	return n.broadcast(ctx, EventPropertyFrozen, map[string]string{"path": path})
}

// OnPropertyUnfrozen broadcasts a released freeze
func (n *WebSocketNotifier) OnPropertyUnfrozen(ctx context.Context, path string) error {
	return n.broadcast(ctx, EventPropertyUnfrozen, map[string]string{"path": path})
}

// OnDriverError broadcasts a driver problem
func (n *WebSocketNotifier) OnDriverError(ctx context.Context, problem ProblemDetails) error {
	return n.broadcast(ctx, EventDriverError, problem)
}

// wsMetrics holds Prometheus metrics for the WebSocket sink
type wsMetrics struct {
	clients        prometheus.Gauge
	connections    prometheus.Counter
	disconnections *prometheus.CounterVec
	upgradeErrors  prometheus.Counter
	messages       *prometheus.CounterVec
}

func newWSMetrics(registry *metric.MetricsRegistry) (*wsMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &wsMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memhook",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Currently connected WebSocket clients",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted",
		}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "websocket",
			Name:      "disconnections_total",
			Help:      "Total WebSocket disconnections by reason",
		}, []string{"reason"}),
		upgradeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "websocket",
			Name:      "upgrade_errors_total",
			Help:      "Total failed WebSocket upgrades",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "websocket",
			Name:      "messages_queued_total",
			Help:      "Total messages queued to WebSocket clients by event",
		}, []string{"event"}),
	}

	const service = "notify_websocket"
	if err := registry.RegisterGauge(service, "clients_connected", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "connections_total", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "disconnections_total", m.disconnections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "upgrade_errors_total", m.upgradeErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "messages_queued_total", m.messages); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *wsMetrics) connected(count int) {
	if m == nil {
		return
	}
	if count > 0 {
		m.connections.Inc()
	}
	m.clients.Set(float64(count))
}

func (m *wsMetrics) disconnected(reason string, count int) {
	if m == nil {
		return
	}
	m.disconnections.WithLabelValues(reason).Inc()
	m.clients.Set(float64(count))
}

func (m *wsMetrics) upgradeFailed() {
	if m == nil {
		return
	}
	m.upgradeErrors.Inc()
}

func (m *wsMetrics) sent(event string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(event).Inc()
}
