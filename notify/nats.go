package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/mapper"
)

// DefaultSubjectPrefix is the root of every subject the NATS sink publishes to
const DefaultSubjectPrefix = "memhook"

// Publisher publishes raw messages. *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Envelope is the JSON body of every published message
type Envelope struct {
	Event string          `json:"event"`
	Time  time.Time       `json:"time"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NATSNotifier publishes events as JSON envelopes. Subjects:
//
//	<prefix>.mapper.loading
//	<prefix>.mapper.loaded
//	<prefix>.property.changed.<path>
//	<prefix>.property.frozen.<path>
//	<prefix>.property.unfrozen.<path>
//	<prefix>.driver.error
//
// Field paths are dotted, so subscribers can filter with wildcards such as
// memhook.property.changed.party.>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

var _ ClientNotifier = (*NATSNotifier)(nil)

// NewNATSNotifier creates a NATS sink
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{pub: pub, prefix: strings.TrimSuffix(prefix, "."), now: time.Now}
}

// Subject returns the full subject for a relative one
func (n *NATSNotifier) Subject(parts ...string) string {
	return n.prefix + "." + strings.Join(parts, ".")
}

// marshalEnvelope encodes an event body. Marshal failures are invalid-class
// errors attributed to component.
func marshalEnvelope(component, eventName string, at time.Time, data any) ([]byte, error) {
	env := Envelope{Event: eventName, Time: at.UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.WrapInvalid(err, component, "marshalEnvelope", "marshal "+eventName)
		}
		env.Data = raw
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, component, "marshalEnvelope", "marshal envelope")
	}
	return body, nil
}

func (n *NATSNotifier) publish(ctx context.Context, subject, eventName string, data any) error {
	body, err := marshalEnvelope("NATSNotifier", eventName, n.now(), data)
	if err != nil {
		return err
	}

	if err := n.pub.Publish(ctx, subject, body); err != nil {
		return errors.WrapTransient(err, "NATSNotifier", "publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// OnMapperLoading publishes <prefix>.mapper.loading
func (n *NATSNotifier) OnMapperLoading(ctx context.Context) error {
	return n.publish(ctx, n.Subject("mapper", "loading"), EventMapperLoading, nil)
}

// OnMapperLoaded publishes <prefix>.mapper.loaded
func (n *NATSNotifier) OnMapperLoaded(ctx context.Context, meta mapper.Meta) error {
	return n.publish(ctx, n.Subject("mapper", "loaded"), EventMapperLoaded, meta)
}

// OnPropertyChanged publishes <prefix>.property.changed.<path>
func (n *NATSNotifier) OnPropertyChanged(ctx context.Context, change PropertyChange) error {
	return n.publish(ctx, n.Subject("property", "changed", subjectPath(change.Path)), EventPropertyChanged, change)
}

// OnPropertyFrozen publishes <prefix>.property.frozen.<path>
func (n *NATSNotifier) OnPropertyFrozen(ctx context.Context, path string) error {
	return n.publish(ctx, n.Subject("property", "frozen", subjectPath(path)), EventPropertyFrozen,
		map[string]string{"path": path})
}

// OnPropertyUnfrozen publishes <prefix>.property.unfrozen.<path>
func (n *NATSNotifier) OnPropertyUnfrozen(ctx context.Context, path string) error {
	return n.publish(ctx, n.Subject("property", "unfrozen", subjectPath(path)), EventPropertyUnfrozen,
		map[string]string{"path": path})
}

// OnDriverError publishes <prefix>.driver.error
func (n *NATSNotifier) OnDriverError(ctx context.Context, problem ProblemDetails) error {
	return n.publish(ctx, n.Subject("driver", "error"), EventDriverError, problem)
}

// subjectPath makes a field path safe to use as subject tokens
func subjectPath(path string) string {
	r := strings.NewReplacer(" ", "_", "\t", "_", "*", "_", ">", "_")
	tokens := strings.Split(r.Replace(path), ".")
	for i, t := range tokens {
		if t == "" {
			tokens[i] = "_"
		}
	}
	return strings.Join(tokens, ".")
}
