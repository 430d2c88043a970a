// Package health provides thread-safe health tracking for memhook components.
//
// A Status carries one of three states: healthy, degraded or unhealthy. The
// instance feeds every poll outcome into a Monitor through RecordPoll, which
// maps the worst error kind of the iteration onto a state:
//
//	errors.KindOK                  -> healthy
//	errors.KindFieldDecodeFailure  -> degraded
//	errors.KindDriverDisconnected  -> unhealthy
//	errors.KindDriverTimeout       -> unhealthy
//
// AggregateHealth rolls the per-component statuses up into one; an unhealthy
// component makes the whole system unhealthy. The metric server's /health
// endpoint serves the aggregate.
//
//	monitor := health.NewMonitor()
//	monitor.RecordPoll(health.ComponentDriver, kind, err)
//	status := monitor.AggregateHealth("memhook")
//
// Error messages are sanitized before they are stored: URLs, file paths, IP
// addresses, ports and credentials are replaced with placeholders.
package health
