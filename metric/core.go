package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "memhook"

// Metrics contains the platform-level metrics shared by every component
type Metrics struct {
	// Instance metrics
	InstanceState      prometheus.Gauge
	MapperLoads        *prometheus.CounterVec
	PollIterations     *prometheus.CounterVec
	PollDuration       prometheus.Histogram
	LastSuccessfulRead prometheus.Gauge

	// Field metrics
	FieldChanges  *prometheus.CounterVec
	FieldErrors   *prometheus.CounterVec
	FieldRewrites prometheus.Counter

	// Notification metrics
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		InstanceState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "state",
				Help:      "Instance state (0=unloaded, 1=loading, 2=running)",
			},
		),

		MapperLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "mapper_loads_total",
				Help:      "Mapper load attempts by result",
			},
			[]string{"result"},
		),

		PollIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "iterations_total",
				Help:      "Poll iterations by worst error kind",
			},
			[]string{"kind"},
		),

		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "duration_seconds",
				Help:      "Time spent in one poll iteration",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),

		LastSuccessfulRead: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "last_success_timestamp",
				Help:      "Unix timestamp of the last successful memory read",
			},
		),

		FieldChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "field",
				Name:      "changes_total",
				Help:      "Decoded value changes by field type",
			},
			[]string{"type"},
		),

		FieldErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "field",
				Name:      "errors_total",
				Help:      "Field decode failures by field type",
			},
			[]string{"type"},
		),

		FieldRewrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "field",
				Name:      "freeze_rewrites_total",
				Help:      "Frozen values re-asserted after diverging from live memory",
			},
		),

		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "sent_total",
				Help:      "Notifications delivered by event",
			},
			[]string{"event"},
		),

		NotificationsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "failed_total",
				Help:      "Notifications a sink rejected or the full queue dropped, by event",
			},
			[]string{"event"},
		),
	}
}

// RecordInstanceState updates the instance state gauge
func (c *Metrics) RecordInstanceState(state int) {
	c.InstanceState.Set(float64(state))
}

// RecordMapperLoad counts a mapper load attempt
func (c *Metrics) RecordMapperLoad(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.MapperLoads.WithLabelValues(result).Inc()
}

// RecordPoll records one poll iteration
func (c *Metrics) RecordPoll(kind string, duration time.Duration) {
	c.PollIterations.WithLabelValues(kind).Inc()
	c.PollDuration.Observe(duration.Seconds())
}

// RecordSuccessfulRead stores the time of the last successful read
func (c *Metrics) RecordSuccessfulRead(at time.Time) {
	c.LastSuccessfulRead.Set(float64(at.Unix()))
}

// RecordFieldChange counts a decoded value change
func (c *Metrics) RecordFieldChange(fieldType string) {
	c.FieldChanges.WithLabelValues(fieldType).Inc()
}

// RecordFieldError counts a field decode failure
func (c *Metrics) RecordFieldError(fieldType string) {
	c.FieldErrors.WithLabelValues(fieldType).Inc()
}

// RecordFieldRewrite counts a freeze write-back
func (c *Metrics) RecordFieldRewrite() {
	c.FieldRewrites.Inc()
}

// RecordNotification counts a notification by outcome
func (c *Metrics) RecordNotification(event string, err error) {
	if err != nil {
		c.NotificationsFailed.WithLabelValues(event).Inc()
		return
	}
	c.NotificationsSent.WithLabelValues(event).Inc()
}
