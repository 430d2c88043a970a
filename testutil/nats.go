package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c360/memhook/notify"
)

// Message is one recorded publish
type Message struct {
	Subject string
	Data    []byte
}

// RecordingPublisher implements notify.Publisher in memory and keeps every
// publish in order. It is safe for concurrent use.
type RecordingPublisher struct {
	mu         sync.Mutex
	messages   []Message
	publishErr error
}

var _ notify.Publisher = (*RecordingPublisher)(nil)

// NewRecordingPublisher returns an empty publisher
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

// Publish records a copy of data, or fails with the configured error
func (p *RecordingPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.messages = append(p.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// SetPublishError makes Publish fail with err until cleared with nil
func (p *RecordingPublisher) SetPublishError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishErr = err
}

// Messages returns the payloads published on subject, oldest first
func (p *RecordingPublisher) Messages(subject string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out [][]byte
	for _, m := range p.messages {
		if m.Subject == subject {
			out = append(out, m.Data)
		}
	}
	return out
}

// Subjects returns every published subject in publish order
func (p *RecordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.Subject)
	}
	return out
}

// WaitForMessage waits for a publish on subject and returns the latest payload
func WaitForMessage(t testing.TB, p *RecordingPublisher, subject string, timeout time.Duration) []byte {
	t.Helper()
	var last []byte
	WaitFor(t, timeout, func() bool {
		msgs := p.Messages(subject)
		if len(msgs) == 0 {
			return false
		}
		last = msgs[len(msgs)-1]
		return true
	}, "message on "+subject)
	return last
}

// WaitForMessageCount waits until subject has at least count publishes
func WaitForMessageCount(t testing.TB, p *RecordingPublisher, subject string, count int, timeout time.Duration) {
	t.Helper()
	WaitFor(t, timeout, func() bool {
		return len(p.Messages(subject)) >= count
	}, fmt.Sprintf("%d messages on %s", count, subject))
}
