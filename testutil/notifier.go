package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/memhook/mapper"
	"github.com/c360/memhook/notify"
)

// RecordingNotifier records every event it receives.
// Thread-safe for concurrent use from multiple goroutines.
type RecordingNotifier struct {
	mu       sync.Mutex
	events   []string
	loaded   []mapper.Meta
	changes  []notify.PropertyChange
	frozen   []string
	unfrozen []string
	problems []notify.ProblemDetails

	// Err is returned from every method when set
	Err error
}

var _ notify.ClientNotifier = (*RecordingNotifier)(nil)

// NewRecordingNotifier creates an empty recorder
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) record(event string, fn func()) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	if fn != nil {
		fn()
	}
	return n.Err
}

// OnMapperLoading records a loading event
func (n *RecordingNotifier) OnMapperLoading(_ context.Context) error {
	return n.record(notify.EventMapperLoading, nil)
}

// OnMapperLoaded records a loaded mapper
func (n *RecordingNotifier) OnMapperLoaded(_ context.Context, meta mapper.Meta) error {
	return n.record(notify.EventMapperLoaded, func() { n.loaded = append(n.loaded, meta) })
}

// OnPropertyChanged records a change
func (n *RecordingNotifier) OnPropertyChanged(_ context.Context, change notify.PropertyChange) error {
	return n.record(notify.EventPropertyChanged, func() { n.changes = append(n.changes, change) })
}

// OnPropertyFrozen records a freeze
func (n *RecordingNotifier) OnPropertyFrozen(_ context.Context, path string) error {
	return n.record(notify.EventPropertyFrozen, func() { n.frozen = append(n.frozen, path) })
}

// OnPropertyUnfrozen records an unfreeze
func (n *RecordingNotifier) OnPropertyUnfrozen(_ context.Context, path string) error {
	return n.record(notify.EventPropertyUnfrozen, func() { n.unfrozen = append(n.unfrozen, path) })
}

// OnDriverError records a driver problem
func (n *RecordingNotifier) OnDriverError(_ context.Context, problem notify.ProblemDetails) error {
	return n.record(notify.EventDriverError, func() { n.problems = append(n.problems, problem) })
}

// Events returns the event names in arrival order
func (n *RecordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// Loaded returns the metas of loaded mappers
func (n *RecordingNotifier) Loaded() []mapper.Meta {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]mapper.Meta(nil), n.loaded...)
}

// Changes returns every recorded property change
func (n *RecordingNotifier) Changes() []notify.PropertyChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.PropertyChange(nil), n.changes...)
}

// ChangesFor returns the recorded changes of one field
func (n *RecordingNotifier) ChangesFor(path string) []notify.PropertyChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.PropertyChange
	for _, c := range n.changes {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Frozen returns the paths of freeze events
func (n *RecordingNotifier) Frozen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.frozen...)
}

// Unfrozen returns the paths of unfreeze events
func (n *RecordingNotifier) Unfrozen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.unfrozen...)
}

// Problems returns the recorded driver problems
func (n *RecordingNotifier) Problems() []notify.ProblemDetails {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.ProblemDetails(nil), n.problems...)
}

// Reset forgets everything recorded so far
func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
	n.loaded = nil
	n.changes = nil
	n.frozen = nil
	n.unfrozen = nil
	n.problems = nil
}

// WaitFor polls cond until it holds or timeout passes
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout after %v: %s", timeout, msg)
			return
		}
		<-ticker.C
	}
}
