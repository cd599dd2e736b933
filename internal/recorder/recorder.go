// Package recorder accumulates the messages replayed during a run and the
// responses the handler under test gave them.
package recorder

import (
	"net/http"
	"sync"

	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/envelope"
)

// Message is the projection of a dispatched task that assertions compare against.
// Push messages fill Topic, Message, Attributes and DeliveryAttempt; HTTP tasks
// fill Queue, HTTPMethod, Headers, URL, Body and TaskName.
type Message struct {
	Topic           string            `json:"topic,omitempty"`
	Message         any               `json:"message,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	DeliveryAttempt int               `json:"deliveryAttempt,omitempty"`

	Queue      string            `json:"queue,omitempty"`
	HTTPMethod string            `json:"httpMethod,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	URL        string            `json:"url,omitempty"`
	Body       any               `json:"body,omitempty"`
	TaskName   string            `json:"taskName,omitempty"`

	CorrelationID string `json:"correlationId,omitempty"`
}

// Key returns the routing key attribute, if any.
func (m Message) Key() string {
	return m.Attributes[delivery.RoutingKeyAttribute]
}

// Response is what the handler under test answered, or a synthetic skip.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Body       any         `json:"body,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	Text       string      `json:"text"`
	URL        string      `json:"url"`
	Skipped    bool        `json:"skipped,omitempty"`
}

// NewMessage projects t for the attempt-th delivery. Body decode errors are returned as-is.
func NewMessage(t delivery.Task, selfURL string, attempt int) (Message, error) {
	if t.Kind == delivery.KindPush {
		body, err := envelope.DecodeBody("application/json", t.Body)
		if err != nil {
			return Message{}, err
		}
		if body == nil {
			body = map[string]any{}
		}
		return Message{
			Topic:           t.Topic,
			Message:         body,
			Attributes:      t.Attributes,
			DeliveryAttempt: attempt,
			CorrelationID:   correlationID(t.Headers, body),
		}, nil
	}

	body, err := envelope.DecodeBody(headerValue(t.Headers, "Content-Type"), t.Body)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Queue:         t.QueueName,
		HTTPMethod:    t.HTTPMethod,
		Headers:       t.Headers,
		URL:           t.RelativeURL(selfURL),
		Body:          body,
		TaskName:      t.TaskName,
		CorrelationID: correlationID(t.Headers, body),
	}, nil
}

func correlationID(headers map[string]string, body any) string {
	if id := headerValue(headers, "correlationId"); id != "" {
		return id
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	meta, ok := obj["meta"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := meta["correlationId"].(string)
	return id
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	canonical := http.CanonicalHeaderKey(name)
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == canonical {
			return v
		}
	}
	return ""
}

// Recorder is append-only until Reset. Accessors return copies.
type Recorder struct {
	mu        sync.Mutex
	messages  []Message
	responses []Response
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{}
}

// AppendMessage records a dispatched message.
func (r *Recorder) AppendMessage(m Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

// AppendResponse records a handler response.
func (r *Recorder) AppendResponse(resp Response) {
	r.mu.Lock()
	r.responses = append(r.responses, resp)
	r.mu.Unlock()
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Responses returns a copy of the recorded responses.
func (r *Recorder) Responses() []Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Response(nil), r.responses...)
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.responses = nil
	r.mu.Unlock()
}
