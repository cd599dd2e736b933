// Package replay is a fake task queue and pub/sub engine for behavioral tests of
// message-driven HTTP workers. Producers only enqueue; ProcessMessages replays
// the queue against the handler under test and records what happened.
package replay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/dispatcher"
	"github.com/austindbirch/taskreplay/internal/envelope"
	"github.com/austindbirch/taskreplay/internal/metrics"
	"github.com/austindbirch/taskreplay/internal/policy"
	"github.com/austindbirch/taskreplay/internal/queue"
	"github.com/austindbirch/taskreplay/internal/recorder"
)

var (
	ErrNotEnabled        = errors.New("You must call `enablePublish` before processing messages")
	ErrAlreadyProcessing = errors.New("messages are already being processed")
	ErrCreateTaskFailed  = errors.New("Create task failed!!")
)

// Handler adapts an in-process handler to a delivery target. A nil handler
// yields a nil target, which EnablePublish rejects.
func Handler(h http.Handler) dispatcher.Deliverer {
	if h == nil {
		return nil
	}
	return dispatcher.HandlerDeliverer{Handler: h}
}

// Remote targets a handler listening at baseURL.
func Remote(baseURL string, timeout time.Duration) dispatcher.Deliverer {
	return dispatcher.NewHTTPDeliverer(baseURL, timeout)
}

// Engine owns one scenario's queue, logs and counters.
type Engine struct {
	queue    *queue.Memory
	recorder *recorder.Recorder

	mu            sync.Mutex
	base          options // from New; every scenario starts from these
	opts          options
	policy        *policy.Policy
	target        dispatcher.Deliverer
	enabled       bool
	createTaskErr error
	installed     []Stub

	processing atomic.Bool
}

// New creates a disabled engine. opts are the baseline every scenario starts from.
func New(opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		queue:    queue.NewMemory(queue.WithDepthObserver(metrics.UpdateQueueDepth)),
		recorder: recorder.New(),
		base:     o,
		opts:     o,
		policy:   policy.New(o.policy),
	}
}

// EnablePublish starts a scenario: it empties the queue and logs, applies opts
// on top of the New baseline, wires the fakes to target and installs them into
// every registered stub. Options do not carry over between calls.
func (e *Engine) EnablePublish(target dispatcher.Deliverer, opts ...Option) error {
	if target == nil {
		return errors.New("enable publish: nil delivery target")
	}

	e.mu.Lock()
	o := e.base
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.policy.Validate(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.queue.Reset()
	e.recorder.Reset()
	e.opts = o
	e.policy = policy.New(o.policy)
	e.target = target
	e.enabled = true
	e.mu.Unlock()

	e.installStubs()
	o.logger.Plain().WithFields(map[string]any{
		"skip_sequences":   o.policy.SkipSequences,
		"max_runs_for_key": o.policy.MaxRunsForKey,
	}).Debug("publish enabled")
	return nil
}

// FailCreateTask makes the fake task queue reject every CreateTask call with err
// (ErrCreateTaskFailed when nil) until Reset.
func (e *Engine) FailCreateTask(err error) {
	if err == nil {
		err = ErrCreateTaskFailed
	}
	e.mu.Lock()
	e.createTaskErr = err
	e.mu.Unlock()
	e.installStubs()
}

func (e *Engine) installStubs() {
	e.mu.Lock()
	pending := make([]Stub, 0, len(e.opts.stubs))
	for _, s := range e.opts.stubs {
		if !containsStub(e.installed, s) {
			pending = append(pending, s)
		}
	}
	e.installed = append(e.installed, pending...)
	e.mu.Unlock()

	for _, s := range pending {
		s.install(e)
	}
}

func containsStub(stubs []Stub, s Stub) bool {
	for _, x := range stubs {
		if x == s {
			return true
		}
	}
	return false
}

// CloudTasks returns the fake task queue client.
func (e *Engine) CloudTasks() TaskCreator {
	return cloudTasksFake{e: e}
}

// PubSub returns the fake publisher.
func (e *Engine) PubSub() Publisher {
	return pubSubFake{e: e}
}

func (e *Engine) enqueue(ctx context.Context, t delivery.Task) error {
	t = t.Normalize()
	if err := t.Validate(); err != nil {
		return err
	}

	// enabled is checked under the same lock Reset takes, so nothing lands in
	// the queue after a scenario is torn down.
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return ErrNotEnabled
	}
	e.queue.Enqueue(t)
	o := e.opts
	e.mu.Unlock()
	metrics.RecordEnqueued(string(t.Kind))

	o.logger.WithContext(ctx).
		WithTopic(t.Topic).
		WithQueue(t.QueueName).
		WithRoutingKey(t.RoutingKey(o.selfURL)).
		Debug("task enqueued")
	return nil
}

func (e *Engine) options() options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

// ProcessMessages replays the queue until it stays empty. It is not re-entrant.
func (e *Engine) ProcessMessages(ctx context.Context) error {
	e.mu.Lock()
	enabled, target, pol, o := e.enabled, e.target, e.policy, e.opts
	e.mu.Unlock()
	if !enabled {
		return ErrNotEnabled
	}
	if !e.processing.CompareAndSwap(false, true) {
		return ErrAlreadyProcessing
	}
	defer e.processing.Store(false)

	d := dispatcher.New(e.queue, pol, e.recorder, e.builder(o), target, dispatcher.Options{
		SelfURL:         o.selfURL,
		DeadLetterTopic: o.deadLetterTopic,
		Logger:          o.logger,
		Now:             o.now,
	})
	return d.Run(ctx)
}

func (e *Engine) builder(o options) *envelope.Builder {
	return &envelope.Builder{
		SelfURL:      o.selfURL,
		PushPath:     o.pushPath,
		Subscription: o.subscription,
		Tokens:       o.tokens,
		Now:          o.now,
	}
}

// TriggerMessage delivers a push message straight to the handler, bypassing the
// queue, the policy and the logs.
func (e *Engine) TriggerMessage(ctx context.Context, msg Message) (*recorder.Response, error) {
	e.mu.Lock()
	enabled, target, o := e.enabled, e.target, e.opts
	e.mu.Unlock()
	if !enabled {
		return nil, ErrNotEnabled
	}
	t := delivery.Task{
		Kind:       delivery.KindPush,
		HTTPMethod: "POST",
		TargetURL:  o.pushPath,
		Topic:      DefaultTriggerTopic,
		Body:       msg.Data,
		Attributes: msg.Attributes,
	}
	return e.deliverDirect(ctx, target, o, t)
}

func (e *Engine) deliverDirect(ctx context.Context, target dispatcher.Deliverer, o options, t delivery.Task) (*recorder.Response, error) {
	req, err := e.builder(o).Build(ctx, t.Normalize(), 1)
	if err != nil {
		return nil, err
	}
	reply, err := target.Deliver(ctx, req)
	if err != nil {
		return nil, err
	}
	body, decodeErr := envelope.DecodeBody(reply.Header.Get("Content-Type"), reply.Body)
	if decodeErr != nil {
		body = nil
	}
	resp := &recorder.Response{StatusCode: reply.StatusCode, Body: body, Headers: reply.Header, Text: string(reply.Body), URL: req.URL}
	if reply.StatusCode >= 400 {
		return resp, &dispatcher.HandlerError{StatusCode: resp.StatusCode, Body: resp.Body, Text: resp.Text, URL: req.URL}
	}
	return resp, nil
}

// RecordedMessages returns a snapshot of every dispatched message in order.
func (e *Engine) RecordedMessages() []recorder.Message {
	return e.recorder.Messages()
}

// RecordedMessageHandlerResponses returns a snapshot of every handler response in order.
func (e *Engine) RecordedMessageHandlerResponses() []recorder.Response {
	return e.recorder.Responses()
}

// QueueDepth reports how many tasks wait for the next dispatch wave.
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// RoutingKeyCount reports how many times key has been delivered in this scenario.
func (e *Engine) RoutingKeyCount(key string) int {
	e.mu.Lock()
	p := e.policy
	e.mu.Unlock()
	return p.Count(key)
}

// RoutingKeyCounts returns a snapshot of every delivered key count.
func (e *Engine) RoutingKeyCounts() map[string]int {
	e.mu.Lock()
	p := e.policy
	e.mu.Unlock()
	return p.Counts()
}

// Enabled reports whether EnablePublish has been called since the last Reset.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Reset clears the queue, logs and counters, disables publishing, drops the
// scenario's options and restores every stubbed client.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.enabled = false
	e.queue.Reset()
	e.recorder.Reset()
	e.opts = e.base
	e.policy = policy.New(e.base.policy)
	e.target = nil
	e.createTaskErr = nil
	installed := e.installed
	e.installed = nil
	e.mu.Unlock()

	for _, s := range installed {
		s.restore()
	}
}
