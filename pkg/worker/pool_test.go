package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/memhook/metric"
)

// testWork mimics a property notification: an ordered sequence per field
type testWork struct {
	field string
	seq   int
	delay time.Duration
	fail  bool
}

func TestNewPool_Defaults(t *testing.T) {
	processor := func(_ context.Context, _ testWork) error { return nil }

	pool := NewPool(1, 64, processor)
	if pool.workers != 1 || pool.queueSize != 64 {
		t.Errorf("Expected 1 worker / queue 64, got %d / %d", pool.workers, pool.queueSize)
	}

	pool = NewPool(0, 0, processor)
	if pool.workers != 10 {
		t.Errorf("Expected default 10 workers, got %d", pool.workers)
	}
	if pool.queueSize != 1000 {
		t.Errorf("Expected default queue size 1000, got %d", pool.queueSize)
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic for nil processor")
		}
	}()
	NewPool[testWork](1, 10, nil)
}

func TestPool_SingleWorkerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	pool := NewPool(1, 8, func(_ context.Context, w testWork) error {
		mu.Lock()
		seen = append(seen, w.seq)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop(5 * time.Second)

	for i := 0; i < 100; i++ {
		if err := pool.SubmitWait(ctx, testWork{field: "player.hp", seq: i}); err != nil {
			t.Fatalf("SubmitWait %d: %v", i, err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 100 {
		t.Fatalf("Expected 100 processed items, got %d", len(seen))
	}
	for i, seq := range seen {
		if seq != i {
			t.Fatalf("Out of order at %d: got seq %d", i, seq)
		}
	}
}

func TestPool_SubmitWaitBlocksUntilRoom(t *testing.T) {
	release := make(chan struct{})
	var processed int64

	pool := NewPool(1, 1, func(_ context.Context, _ testWork) error {
		<-release
		atomic.AddInt64(&processed, 1)
		return nil
	})

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop(5 * time.Second)

	// One item in the worker, one in the queue
	_ = pool.SubmitWait(ctx, testWork{seq: 0})
	_ = pool.SubmitWait(ctx, testWork{seq: 1})

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	// Worker may not yet have taken the first item; either the send blocks
	// until the deadline or it succeeds because the worker made room.
	err := pool.SubmitWait(shortCtx, testWork{seq: 2})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected nil or deadline exceeded, got %v", err)
	}

	close(release)

	flushCtx, cancelFlush := context.WithTimeout(ctx, 5*time.Second)
	defer cancelFlush()
	if err := pool.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestPool_FlushOnIdlePoolReturnsImmediately(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, _ testWork) error { return nil })
	if err := pool.Flush(context.Background()); err != nil {
		t.Errorf("Flush on idle pool: %v", err)
	}
}

func TestPool_FlushRespectsContext(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 4, func(_ context.Context, _ testWork) error {
		<-block
		return nil
	})

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer func() {
		close(block)
		pool.Stop(5 * time.Second)
	}()

	_ = pool.Submit(testWork{seq: 1})

	flushCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := pool.Flush(flushCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	pool := NewPool(1, 2, func(_ context.Context, w testWork) error {
		time.Sleep(w.delay)
		return nil
	})

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop(5 * time.Second)

	submitted, dropped := 0, 0
	for i := 0; i < 5; i++ {
		if err := pool.Submit(testWork{seq: i, delay: 200 * time.Millisecond}); err != nil {
			dropped++
		} else {
			submitted++
		}
	}

	if dropped == 0 {
		t.Error("Expected some work to be dropped due to full queue")
	}
	if submitted == 0 {
		t.Error("Expected some work to be submitted successfully")
	}
	if pool.Stats().Dropped == 0 {
		t.Error("Stats should show dropped work items")
	}
}

func TestPool_ProcessingErrorsCounted(t *testing.T) {
	pool := NewPool(2, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("sink rejected")
		}
		return nil
	})

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop(5 * time.Second)

	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{seq: i, fail: i%2 == 0}); err != nil {
			t.Errorf("Failed to submit work %d: %v", i, err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	stats := pool.Stats()
	if stats.Processed != 10 {
		t.Errorf("Expected 10 processed items in stats, got %d", stats.Processed)
	}
	if stats.Failed != 5 {
		t.Errorf("Expected 5 failed items in stats, got %d", stats.Failed)
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var processed int64
	pool := NewPool(1, 50, func(_ context.Context, _ testWork) error {
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&processed, 1)
		return nil
	})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	for i := 0; i < 20; i++ {
		_ = pool.Submit(testWork{seq: i})
	}

	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("Failed to stop pool: %v", err)
	}
	if got := atomic.LoadInt64(&processed); got != 20 {
		t.Errorf("Expected Stop to drain 20 items, got %d", got)
	}
}

func TestPool_ContextCancellation(t *testing.T) {
	pool := NewPool(2, 10, func(ctx context.Context, w testWork) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.delay):
			return nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = pool.Submit(testWork{seq: i, delay: 50 * time.Millisecond})
	}

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("Failed to stop pool: %v", err)
	}
}

func TestPool_StopWithMetricsDoesNotWaitForContext(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 4,
		func(_ context.Context, _ testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "test_notify"),
	)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	_ = pool.Submit(testWork{seq: 1})

	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop with metrics updater: %v", err)
	}

	families, err := registry.PrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "test_notify_submitted_total" {
			found = true
		}
	}
	if !found {
		t.Error("Expected pool metrics to be registered")
	}
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var processed int64
	pool := NewPool(4, 100, func(_ context.Context, _ testWork) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop(5 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(submitter int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := pool.SubmitWait(ctx, testWork{seq: submitter*10 + j}); err != nil {
					t.Errorf("Submitter %d failed: %v", submitter, err)
				}
			}
		}(i)
	}
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := atomic.LoadInt64(&processed); got != 100 {
		t.Errorf("Expected 100 processed items, got %d", got)
	}
}
