// Package metric provides Prometheus metrics for memhook.
//
// # Overview
//
// A MetricsRegistry owns a private prometheus.Registry preloaded with the core
// metrics (instance state, poll iterations, field changes, notifications) plus
// the Go and process collectors. Drivers and sinks register their own metrics
// through the MetricsRegistrar interface; each registration is keyed by
// "service.metric" and duplicates are rejected.
//
// # Core metrics
//
// All core metrics use the "memhook" namespace:
//
//	memhook_instance_state
//	memhook_instance_mapper_loads_total{result}
//	memhook_poll_iterations_total{kind}
//	memhook_poll_duration_seconds
//	memhook_poll_last_success_timestamp
//	memhook_field_changes_total{type}
//	memhook_field_errors_total{type}
//	memhook_field_freeze_rewrites_total
//	memhook_notify_sent_total{event}
//	memhook_notify_failed_total{event}
//
// CoreMetrics is nil-safe on the registry, but the returned *Metrics is not:
// callers that accept an optional registry check the result before recording.
//
// # Serving
//
// Server exposes the registry at /metrics (OpenMetrics enabled) and a /health
// endpoint driven by an optional HealthFunc:
//
//	srv := metric.NewServer(9090, "/metrics", registry, inst.HealthCheck)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
package metric
