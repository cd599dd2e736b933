// Package envelope turns queued tasks into the HTTP requests a managed queue or
// push subscription would send to the handler under test.
package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/taskreplay/internal/delivery"
)

const (
	DefaultPushPath     = "/message"
	DefaultSubscription = "some-cool-subscription"
	DefaultMessageID    = "some-id"
	DefaultPublishTime  = "123"
)

// Synthesized delivery headers for HTTP tasks.
const (
	HeaderQueueName      = "X-CloudTasks-QueueName"
	HeaderTaskName       = "X-CloudTasks-TaskName"
	HeaderRetryCount     = "X-CloudTasks-TaskRetryCount"
	HeaderExecutionCount = "X-CloudTasks-TaskExecutionCount"
	HeaderETA            = "X-CloudTasks-TaskETA"
)

// TokenSource supplies the bearer token a push subscription attaches to its requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// PushMessage is the message part of a push-subscription body.
type PushMessage struct {
	Attributes  map[string]string `json:"attributes"`
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
}

// Push is the JSON body a push subscription posts to its endpoint.
type Push struct {
	Message         PushMessage `json:"message"`
	Subscription    string      `json:"subscription"`
	DeliveryAttempt int         `json:"deliveryAttempt"`
}

// Key returns the routing key attribute of the message.
func (p *Push) Key() string {
	return p.Message.Attributes[delivery.RoutingKeyAttribute]
}

// Data decodes the base64 payload of the message.
func (p *Push) Data() ([]byte, error) {
	return DecodeBase64Body(p.Message.Data)
}

// Request is the canonical on-the-wire request built for a task.
type Request struct {
	Method string
	URL    string // relative to the handler under test
	Header http.Header
	Body   []byte
}

// HTTPRequest materializes r against baseURL ("" for in-process handlers).
func (r *Request) HTTPRequest(ctx context.Context, baseURL string) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, strings.TrimSuffix(baseURL, "/")+r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", r.URL, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// Builder builds envelopes. The zero value uses the default push path,
// subscription, message id and publish time.
type Builder struct {
	SelfURL      string
	PushPath     string
	Subscription string
	MessageID    string
	PublishTime  string
	Tokens       TokenSource
	Now          func() time.Time
}

// Build produces the request for the attempt-th delivery of t (attempts start at 1).
func (b *Builder) Build(ctx context.Context, t delivery.Task, attempt int) (*Request, error) {
	if attempt < 1 {
		attempt = 1
	}

	var (
		req *Request
		err error
	)
	switch t.Kind {
	case delivery.KindPush:
		req, err = b.buildPush(t, attempt)
	case delivery.KindHTTP, "":
		req = b.buildHTTP(t, attempt)
	default:
		return nil, fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if err != nil {
		return nil, err
	}

	if b.Tokens != nil {
		token, err := b.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("push auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (b *Builder) buildPush(t delivery.Task, attempt int) (*Request, error) {
	attrs := t.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	push := Push{
		Message: PushMessage{
			Attributes:  attrs,
			Data:        base64.StdEncoding.EncodeToString(t.Body),
			MessageID:   or(b.MessageID, DefaultMessageID),
			PublishTime: or(b.PublishTime, DefaultPublishTime),
		},
		Subscription:    or(b.Subscription, DefaultSubscription),
		DeliveryAttempt: attempt,
	}
	body, err := json.Marshal(push)
	if err != nil {
		return nil, fmt.Errorf("marshal push envelope: %w", err)
	}

	header := make(http.Header)
	for k, v := range t.Headers {
		header.Set(k, v)
	}
	header.Set("Content-Type", "application/json")

	return &Request{
		Method: http.MethodPost,
		URL:    or(b.PushPath, DefaultPushPath),
		Header: header,
		Body:   body,
	}, nil
}

func (b *Builder) buildHTTP(t delivery.Task, attempt int) *Request {
	header := make(http.Header)
	for k, v := range t.Headers {
		header.Set(k, v)
	}
	if header.Get("Content-Type") == "" && json.Valid(t.Body) {
		header.Set("Content-Type", "application/json")
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	// Synthesized headers win over caller headers
	header.Set(HeaderQueueName, t.QueueID())
	header.Set(HeaderTaskName, t.TaskName)
	header.Set(HeaderRetryCount, strconv.Itoa(attempt-1))
	header.Set(HeaderExecutionCount, strconv.Itoa(attempt))
	header.Set(HeaderETA, strconv.FormatInt(now().Unix(), 10))

	method := t.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	return &Request{
		Method: method,
		URL:    t.RelativeURL(b.SelfURL),
		Header: header,
		Body:   t.Body,
	}
}

// ParsePush decodes a push-subscription request body.
func ParsePush(body []byte) (*Push, error) {
	var p Push
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	if p.Message.Attributes == nil {
		p.Message.Attributes = map[string]string{}
	}
	return &p, nil
}

// DecodeBase64Body decodes a transport-encoded body. Errors are returned as-is.
func DecodeBase64Body(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(data)
}

// DecodeBody decodes a body for recording: JSON is unmarshalled, text/* content
// is returned as a string, empty bodies yield nil. JSON errors are returned as-is.
func DecodeBody(contentType string, body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mt, "text/") {
			return string(body), nil
		}
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
