// Package notify delivers instance events to client sinks: value changes,
// freeze state, driver problems and mapper lifecycle.
//
// Sinks implement ClientNotifier. The Dispatcher fans events out to every
// sink from a single background worker, so events for one field arrive in
// the order they were produced. Each delivery is bounded by the delivery
// timeout. While the queue has room the poll loop does not wait on sinks;
// once it is full a producer blocks for up to one delivery timeout, after
// which the event is dropped, counted as failed and reported as an error.
// Sink errors are counted and logged; sink panics are recovered.
//
// Built-in sinks: LogNotifier writes structured log lines, NATSNotifier
// publishes JSON envelopes per event subject and WebSocketNotifier pushes the
// same envelopes to connected browser clients.
package notify

import (
	"context"
	"time"

	"github.com/c360/memhook/mapper"
)

// Event names used in metrics, logs and NATS subjects
const (
	EventMapperLoading    = "mapper_loading"
	EventMapperLoaded     = "mapper_loaded"
	EventPropertyChanged  = "property_changed"
	EventPropertyFrozen   = "property_frozen"
	EventPropertyUnfrozen = "property_unfrozen"
	EventDriverError      = "driver_error"
)

// PropertyChange is emitted once per field per poll in which its decoded
// value changed.
type PropertyChange struct {
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Address *uint32   `json:"address,omitempty"`
	Value   any       `json:"value"`
	Bytes   []byte    `json:"bytes"`
	Frozen  bool      `json:"frozen"`
	Time    time.Time `json:"time"`
}

// ProblemDetails describes a driver failure for clients
type ProblemDetails struct {
	Title   string    `json:"title"`
	Detail  string    `json:"detail"`
	Kind    string    `json:"kind"`
	Driver  string    `json:"driver,omitempty"`
	Address *uint32   `json:"address,omitempty"`
	Time    time.Time `json:"time"`
}

// Problem titles
const (
	TitleDriverTimeout = "DRIVER_TIMEOUT"
	TitleDriverError   = "DRIVER_ERROR"
)

// ClientNotifier receives instance events. Implementations must be safe for
// use from the dispatcher goroutine; returned errors are logged and counted.
type ClientNotifier interface {
	OnMapperLoading(ctx context.Context) error
	OnMapperLoaded(ctx context.Context, meta mapper.Meta) error
	OnPropertyChanged(ctx context.Context, change PropertyChange) error
	OnPropertyFrozen(ctx context.Context, path string) error
	OnPropertyUnfrozen(ctx context.Context, path string) error
	OnDriverError(ctx context.Context, problem ProblemDetails) error
}
