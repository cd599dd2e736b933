package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/tracing"
)

// HTTPRequest is the HTTP target of a queued task.
type HTTPRequest struct {
	HTTPMethod string            `json:"httpMethod"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

type CreateTaskRequest struct {
	Parent      string      `json:"parent"` // projects/p/locations/l/queues/q
	HTTPRequest HTTPRequest `json:"httpRequest"`
}

type TaskAck struct {
	Name string `json:"name"`
}

// TaskCreator is the create-task call of a managed task queue client.
type TaskCreator interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskAck, error)
}

// Message is a pub/sub message. Data is usually JSON.
type Message struct {
	Data       []byte            `json:"data"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// JSONMessage marshals v as the message data.
func JSONMessage(v any, attributes map[string]string) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshal message: %w", err)
	}
	return Message{Data: data, Attributes: attributes}, nil
}

// Publisher is the publish call of a pub/sub client. It returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) (string, error)
}

type cloudTasksFake struct{ e *Engine }

func (f cloudTasksFake) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskAck, error) {
	e := f.e
	e.mu.Lock()
	failErr := e.createTaskErr
	namer, now := e.opts.taskNamer, e.opts.now
	e.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	name := namer()
	t := delivery.Task{
		Kind:         delivery.KindHTTP,
		QueueName:    req.Parent,
		TaskName:     name,
		HTTPMethod:   req.HTTPRequest.HTTPMethod,
		TargetURL:    req.HTTPRequest.URL,
		Headers:      req.HTTPRequest.Headers,
		Body:         req.HTTPRequest.Body,
		TraceHeaders: tracing.InjectTrace(ctx),
		EnqueuedAt:   now(),
	}
	if err := e.enqueue(ctx, t); err != nil {
		return nil, err
	}
	return &TaskAck{Name: name}, nil
}

type pubSubFake struct{ e *Engine }

func (f pubSubFake) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	e := f.e
	e.mu.Lock()
	pushPath, ids, now := e.opts.pushPath, e.opts.messageIDs, e.opts.now
	e.mu.Unlock()

	t := delivery.Task{
		Kind:         delivery.KindPush,
		HTTPMethod:   "POST",
		TargetURL:    pushPath,
		Body:         msg.Data,
		Topic:        topic,
		Attributes:   msg.Attributes,
		TraceHeaders: tracing.InjectTrace(ctx),
		EnqueuedAt:   now(),
	}
	if err := e.enqueue(ctx, t); err != nil {
		return "", err
	}
	return ids(), nil
}

// Stub is a client slot an Engine swaps its fakes into.
type Stub interface {
	install(e *Engine)
	restore()
}

// TaskCreatorSlot forwards to the real client until an engine installs its fake.
// Code under test depends on the slot instead of the concrete client.
type TaskCreatorSlot struct {
	mu   sync.RWMutex
	real TaskCreator
	fake TaskCreator
}

// NewTaskCreatorSlot wraps real until an engine installs its fake.
func NewTaskCreatorSlot(real TaskCreator) *TaskCreatorSlot {
	return &TaskCreatorSlot{real: real}
}

// CreateTask calls the installed fake, or real when none is installed.
func (s *TaskCreatorSlot) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskAck, error) {
	s.mu.RLock()
	c := s.real
	if s.fake != nil {
		c = s.fake
	}
	s.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("no task creator configured")
	}
	return c.CreateTask(ctx, req)
}

// Stubbed reports whether an engine fake is installed.
func (s *TaskCreatorSlot) Stubbed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fake != nil
}

func (s *TaskCreatorSlot) install(e *Engine) {
	s.mu.Lock()
	s.fake = e.CloudTasks()
	s.mu.Unlock()
}

func (s *TaskCreatorSlot) restore() {
	s.mu.Lock()
	s.fake = nil
	s.mu.Unlock()
}

// PublisherSlot forwards to the real publisher until an engine installs its fake.
type PublisherSlot struct {
	mu   sync.RWMutex
	real Publisher
	fake Publisher
}

// NewPublisherSlot wraps real until an engine installs its fake.
func NewPublisherSlot(real Publisher) *PublisherSlot {
	return &PublisherSlot{real: real}
}

// Publish calls the installed fake, or real when none is installed.
func (s *PublisherSlot) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	s.mu.RLock()
	p := s.real
	if s.fake != nil {
		p = s.fake
	}
	s.mu.RUnlock()
	if p == nil {
		return "", fmt.Errorf("no publisher configured")
	}
	return p.Publish(ctx, topic, msg)
}

// Stubbed reports whether an engine fake is installed.
func (s *PublisherSlot) Stubbed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fake != nil
}

func (s *PublisherSlot) install(e *Engine) {
	s.mu.Lock()
	s.fake = e.PubSub()
	s.mu.Unlock()
}

func (s *PublisherSlot) restore() {
	s.mu.Lock()
	s.fake = nil
	s.mu.Unlock()
}

var (
	_ TaskCreator = cloudTasksFake{}
	_ Publisher   = pubSubFake{}
	_ Stub        = (*TaskCreatorSlot)(nil)
	_ Stub        = (*PublisherSlot)(nil)
)
