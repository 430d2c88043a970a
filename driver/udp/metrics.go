package udp

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/memhook/metric"
)

// Metrics holds Prometheus metrics for the RetroArch driver
type Metrics struct {
	requests       prometheus.Counter
	writes         prometheus.Counter
	timeouts       prometheus.Counter
	bytesReceived  prometheus.Counter
	packetsDropped *prometheus.CounterVec
	reconnects     prometheus.Counter
	roundTrip      prometheus.Histogram
	state          prometheus.Gauge
}

// newMetrics creates and registers driver metrics. A nil registry disables
// metrics.
func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "retroarch",
			Name:      "read_requests_total",
			Help:      "READ_CORE_MEMORY requests sent",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "retroarch",
			Name:      "write_requests_total",
			Help:      "WRITE_CORE_MEMORY requests sent",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "retroarch",
			Name:      "read_timeouts_total",
			Help:      "Reads that received no correlated response in time",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "retroarch",
			Name:      "bytes_received_total",
			Help:      "Memory bytes decoded from responses",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "retroarch",
			Name:      "packets_dropped_total",
			Help:      "Response packets discarded, by reason",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "retroarch",
			Name:      "reconnects_total",
			Help:      "Times the socket was torn down and recreated",
		}),
		roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memhook",
			Subsystem: "retroarch",
			Name:      "read_round_trip_seconds",
			Help:      "Time from sending a read to receiving its response",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.075},
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memhook",
			Subsystem: "retroarch",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connected, 2=reconnecting)",
		}),
	}

	const service = "retroarch_driver"
	for name, c := range map[string]prometheus.Counter{
		"read_requests":  m.requests,
		"write_requests": m.writes,
		"read_timeouts":  m.timeouts,
		"bytes_received": m.bytesReceived,
		"reconnects":     m.reconnects,
	} {
		if err := registry.RegisterCounter(service, name, c); err != nil {
			logger.Debug("Driver metric not registered", "metric", name, "error", err)
		}
	}
	if err := registry.RegisterCounterVec(service, "packets_dropped", m.packetsDropped); err != nil {
		logger.Debug("Driver metric not registered", "metric", "packets_dropped", "error", err)
	}
	if err := registry.RegisterHistogram(service, "read_round_trip", m.roundTrip); err != nil {
		logger.Debug("Driver metric not registered", "metric", "read_round_trip", "error", err)
	}
	if err := registry.RegisterGauge(service, "connection_state", m.state); err != nil {
		logger.Debug("Driver metric not registered", "metric", "connection_state", "error", err)
	}

	return m
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.packetsDropped.WithLabelValues(reason).Inc()
	}
}
