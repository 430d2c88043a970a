// Package worker provides a generic, thread-safe worker pool.
//
// # Overview
//
// Pool[T] runs a fixed number of goroutines that drain a bounded channel of
// work items. memhook uses a single-worker pool to deliver client
// notifications off the poll loop: one worker means items are handled in the
// order they were submitted, so consecutive changes to the same property reach
// sinks in sequence.
//
//	pool := worker.NewPool(1, 256, func(ctx context.Context, ev Event) error {
//	    return deliver(ctx, ev)
//	})
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// # Submitting
//
// Submit never blocks and returns ErrQueueFull when the queue is at capacity.
// SubmitWait blocks until there is room or the context ends; the notifier uses
// it so property changes are never dropped under a slow sink.
//
// # Draining
//
// Flush waits until every item submitted so far has been processed. The
// instance calls it when a mapper is reset so no notification for the old
// mapper is delivered after the reset returns. Stop closes the queue and waits
// up to the given timeout for workers to finish what is already queued.
//
// # Observability
//
// Statistics (Stats) are always tracked with atomics. Prometheus metrics are
// opt-in through WithMetricsRegistry and are registered under the
// "worker_pool" service with the given prefix.
//
// # Errors
//
// All errors are unwrapped sentinels and can be compared directly or with
// errors.Is: ErrPoolNotStarted, ErrPoolStopped, ErrPoolAlreadyStarted,
// ErrQueueFull, ErrNilProcessor, ErrStopTimeout.
package worker
