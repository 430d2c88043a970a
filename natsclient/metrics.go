package natsclient

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/memhook/metric"
)

// clientMetrics tracks publishes and connection state. All methods are safe
// on a nil receiver.
type clientMetrics struct {
	publishes      *prometheus.CounterVec
	publishedBytes prometheus.Counter
	reconnects     prometheus.Counter
	status         prometheus.Gauge
}

func newClientMetrics(registry *metric.MetricsRegistry) (*clientMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &clientMetrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "nats",
			Name:      "publishes_total",
			Help:      "Messages published, by result",
		}, []string{"result"}),
		publishedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "nats",
			Name:      "published_bytes_total",
			Help:      "Payload bytes published",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memhook",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Reconnections performed by the NATS client",
		}),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memhook",
			Subsystem: "nats",
			Name:      "connection_status",
			Help:      "Connection status (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=closed)",
		}),
	}

	const service = "natsclient"
	if err := registry.RegisterCounterVec(service, "publishes", m.publishes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "published_bytes", m.publishedBytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "reconnects", m.reconnects); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "connection_status", m.status); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *clientMetrics) published(ok bool, n int) {
	if m == nil {
		return
	}
	if !ok {
		m.publishes.WithLabelValues("error").Inc()
		return
	}
	m.publishes.WithLabelValues("success").Inc()
	m.publishedBytes.Add(float64(n))
}

func (m *clientMetrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *clientMetrics) setStatus(s ConnectionStatus) {
	if m != nil {
		m.status.Set(float64(s))
	}
}
