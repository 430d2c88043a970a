package notify

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/memhook/mapper"
	"github.com/c360/memhook/metric"
	"github.com/c360/memhook/pkg/worker"
)

// Dispatcher defaults
const (
	DefaultQueueSize       = 1024
	DefaultDeliveryTimeout = 2 * time.Second
)

type event struct {
	name    string
	deliver func(ctx context.Context, sink ClientNotifier) error
}

// DispatcherDeps holds runtime dependencies for a Dispatcher
type DispatcherDeps struct {
	Sinks           []ClientNotifier
	QueueSize       int                     // optional, DefaultQueueSize
	DeliveryTimeout time.Duration           // optional, DefaultDeliveryTimeout
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Dispatcher queues events and delivers them to every sink from one worker
type Dispatcher struct {
	sinks   []ClientNotifier
	pool    *worker.Pool[event]
	timeout time.Duration
	metrics *metric.Metrics
	logger  *slog.Logger
}

var _ ClientNotifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Call Start before submitting events.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	timeout := deps.DeliveryTimeout
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}

	d := &Dispatcher{
		sinks:   append([]ClientNotifier(nil), deps.Sinks...),
		timeout: timeout,
		metrics: deps.MetricsRegistry.CoreMetrics(),
		logger:  logger.With("component", "notify-dispatcher"),
	}

	var opts []worker.Option[event]
	if deps.MetricsRegistry != nil {
		opts = append(opts, worker.WithMetricsRegistry[event](deps.MetricsRegistry, "memhook_notify"))
	}
	// one worker keeps per-field ordering
	d.pool = worker.NewPool(1, queueSize, d.process, opts...)
	return d
}

// Start starts the delivery worker
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Stop delivers what is queued and stops the worker
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

// Flush waits until every queued event has been delivered
func (d *Dispatcher) Flush(ctx context.Context) error {
	return d.pool.Flush(ctx)
}

// Stats returns queue statistics
func (d *Dispatcher) Stats() worker.PoolStats {
	return d.pool.Stats()
}

func (d *Dispatcher) submit(ctx context.Context, ev event) error {
	if len(d.sinks) == 0 {
		return nil
	}
	// a full queue blocks the producer for at most one delivery timeout
	qctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.pool.SubmitWait(qctx, ev); err != nil {
		if d.metrics != nil && stderrors.Is(err, context.DeadlineExceeded) {
			d.metrics.RecordNotification(ev.name, err)
		}
		return fmt.Errorf("queue %s: %w", ev.name, err)
	}
	return nil
}

func (d *Dispatcher) process(ctx context.Context, ev event) error {
	var errs []error
	for _, sink := range d.sinks {
		if err := d.deliver(ctx, ev, sink); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// deliver hands one event to one sink, containing its errors and panics
func (d *Dispatcher) deliver(ctx context.Context, ev event, sink ClientNotifier) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
		if d.metrics != nil {
			d.metrics.RecordNotification(ev.name, err)
		}
		if err != nil {
			d.logger.Warn("Notification failed",
				"event", ev.name,
				"sink", fmt.Sprintf("%T", sink),
				"error", err)
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return ev.deliver(dctx, sink)
}

// OnMapperLoading queues a mapper loading event
func (d *Dispatcher) OnMapperLoading(ctx context.Context) error {
	return d.submit(ctx, event{
		name: EventMapperLoading,
		deliver: func(ctx context.Context, s ClientNotifier) error {
			return s.OnMapperLoading(ctx)
		},
	})
}

// OnMapperLoaded queues a mapper loaded event
func (d *Dispatcher) OnMapperLoaded(ctx context.Context, meta mapper.Meta) error {
	return d.submit(ctx, event{
		name: EventMapperLoaded,
		deliver: func(ctx context.Context, s ClientNotifier) error {
			return s.OnMapperLoaded(ctx, meta)
		},
	})
}

// OnPropertyChanged queues a property change
func (d *Dispatcher) OnPropertyChanged(ctx context.Context, change PropertyChange) error {
	return d.submit(ctx, event{
		name: EventPropertyChanged,
		deliver: func(ctx context.Context, s ClientNotifier) error {
			return s.OnPropertyChanged(ctx, change)
		},
	})
}

// OnPropertyFrozen queues a freeze event
func (d *Dispatcher) OnPropertyFrozen(ctx context.Context, path string) error {
	return d.submit(ctx, event{
		name: EventPropertyFrozen,
		deliver: func(ctx context.Context, s ClientNotifier) error {
			return s.OnPropertyFrozen(ctx, path)
		},
	})
}

// OnPropertyUnfrozen queues an unfreeze event
func (d *Dispatcher) OnPropertyUnfrozen(ctx context.Context, path string) error {
	return d.submit(ctx, event{
		name: EventPropertyUnfrozen,
		deliver: func(ctx context.Context, s ClientNotifier) error {
			return s.OnPropertyUnfrozen(ctx, path)
		},
	})
}

// OnDriverError queues a driver problem
func (d *Dispatcher) OnDriverError(ctx context.Context, problem ProblemDetails) error {
	return d.submit(ctx, event{
		name: EventDriverError,
		deliver: func(ctx context.Context, s ClientNotifier) error {
			return s.OnDriverError(ctx, problem)
		},
	})
}
