package delivery

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind tells the envelope builder how a task reaches the handler under test.
type Kind string

const (
	// KindHTTP is a cloud-tasks style HTTP request delivered as-is.
	KindHTTP Kind = "http"
	// KindPush is a pub/sub message wrapped in a push-subscription envelope.
	KindPush Kind = "push"
)

// RoutingKeyAttribute is the message attribute the sequence routing is keyed on.
const RoutingKeyAttribute = "key"

type Task struct {
	Kind         Kind              `json:"kind" validate:"oneof=http push"`
	QueueName    string            `json:"queue_name,omitempty"` // full parent path, e.g. projects/p/locations/l/queues/q
	TaskName     string            `json:"task_name,omitempty"`
	HTTPMethod   string            `json:"http_method" validate:"oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	TargetURL    string            `json:"target_url" validate:"required"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	Topic        string            `json:"topic,omitempty" validate:"required_if=Kind push"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

var validate = validator.New()

// Normalize fills defaults that producers are allowed to leave out.
func (t Task) Normalize() Task {
	if t.Kind == "" {
		t.Kind = KindHTTP
	}
	t.HTTPMethod = strings.ToUpper(strings.TrimSpace(t.HTTPMethod))
	if t.HTTPMethod == "" {
		t.HTTPMethod = "POST"
	}
	return t
}

// Validate reports a malformed queue entry.
func (t Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return nil
}

// RelativeURL strips selfURL from the target so it can be served by an in-process handler.
// Absolute URLs on another host keep only their path and query.
func (t Task) RelativeURL(selfURL string) string {
	target := t.TargetURL
	if selfURL != "" && strings.HasPrefix(target, selfURL) {
		target = strings.TrimPrefix(target, selfURL)
	}
	if u, err := url.Parse(target); err == nil && u.IsAbs() {
		target = u.RequestURI()
	}
	if target == "" {
		return "/"
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return target
}

// RoutingKey is the attribute key when present, otherwise the relative URL path.
func (t Task) RoutingKey(selfURL string) string {
	if k := t.Attributes[RoutingKeyAttribute]; k != "" {
		return k
	}
	rel := t.RelativeURL(selfURL)
	if i := strings.IndexByte(rel, '?'); i >= 0 {
		rel = rel[:i]
	}
	return rel
}

// QueueID returns the last segment of the queue parent path.
func (t Task) QueueID() string {
	if i := strings.LastIndexByte(t.QueueName, '/'); i >= 0 {
		return t.QueueName[i+1:]
	}
	return t.QueueName
}
