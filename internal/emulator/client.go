package emulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/taskreplay/internal/envelope"
	"github.com/austindbirch/taskreplay/internal/recorder"
	"github.com/austindbirch/taskreplay/internal/replay"
	"github.com/austindbirch/taskreplay/internal/tracing"
)

// DefaultProject is used for bare topic names.
const DefaultProject = "local"

// APIError is a non-2xx emulator response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("emulator responded %d: %s", e.StatusCode, e.Message)
}

type ClientOption func(*Client)

// WithToken sends a bearer token from ts on producer calls.
func WithToken(ts envelope.TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithProject sets the project used to build queue and topic paths.
func WithProject(project string) ClientOption {
	return func(c *Client) { c.project = project }
}

// Client talks to a running emulator. It satisfies replay.TaskCreator and
// replay.Publisher so producers can point at it instead of an in-process engine.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  envelope.TokenSource
	project string
}

// NewClient returns a client for the emulator at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		project: DefaultProject,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTask posts req to the Cloud Tasks endpoint.
func (c *Client) CreateTask(ctx context.Context, req replay.CreateTaskRequest) (*replay.TaskAck, error) {
	parent := req.Parent
	if parent == "" {
		parent = replay.DefaultQueue
	}
	var body createTaskBody
	body.Task.HTTPRequest = req.HTTPRequest

	var out struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/"+parent+"/tasks", body, &out, true); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &replay.TaskAck{Name: out.Name}, nil
}

// Publish posts msg to the Pub/Sub endpoint. topic may be a bare name or a full path.
func (c *Client) Publish(ctx context.Context, topic string, msg replay.Message) (string, error) {
	path := topic
	if !strings.HasPrefix(path, "projects/") {
		path = "projects/" + c.project + "/topics/" + topic
	}
	var out struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/"+path+publishSuffix, publishBody{Messages: []replay.Message{msg}}, &out, true); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	if len(out.MessageIDs) == 0 {
		return "", fmt.Errorf("publish to %s: no message id returned", topic)
	}
	return out.MessageIDs[0], nil
}

// Process drains the emulator's queue.
func (c *Client) Process(ctx context.Context) (*ProcessResult, error) {
	var out ProcessResult
	if err := c.do(ctx, http.MethodPost, "/replay/process", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset clears the engine and re-enables publishing.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/replay/reset", nil, nil, false)
}

// Messages returns the recorded messages.
func (c *Client) Messages(ctx context.Context) ([]recorder.Message, error) {
	var out []recorder.Message
	if err := c.do(ctx, http.MethodGet, "/replay/messages", nil, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// Responses returns the recorded handler responses.
func (c *Client) Responses(ctx context.Context) ([]recorder.Response, error) {
	var out []recorder.Response
	if err := c.do(ctx, http.MethodGet, "/replay/responses", nil, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the engine snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/replay/status", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunSequence returns the run outcome alongside an *APIError when the run failed.
func (c *Client) RunSequence(ctx context.Context, req RunSequenceRequest) (*RunSequenceResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}
	status, raw, err := c.send(ctx, http.MethodPost, "/replay/run-sequence", payload, false)
	if err != nil {
		return nil, err
	}
	var out RunSequenceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &APIError{StatusCode: status, Message: strings.TrimSpace(string(raw))}
	}
	if status >= 300 {
		return &out, &APIError{StatusCode: status, Message: out.Error}
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, producer bool) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}
	status, raw, err := c.send(ctx, method, path, payload, producer)
	if err != nil {
		return err
	}
	if status >= 300 {
		var eb ErrorBody
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: status, Message: eb.Error}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, producer bool) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range tracing.InjectTrace(ctx) {
		req.Header.Set(k, v)
	}
	if producer && c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("fetch token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

var (
	_ replay.TaskCreator = (*Client)(nil)
	_ replay.Publisher   = (*Client)(nil)
)
