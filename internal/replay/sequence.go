package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/dispatcher"
	"github.com/austindbirch/taskreplay/internal/recorder"
)

var ErrSequenceNotProcessed = errors.New("Sequence not processed, see log")

// Trigger is the initiating request of a sequence. A trigger with a Topic or
// Attributes is published as a push message; otherwise it is an HTTP task to Path.
type Trigger struct {
	Path       string            `json:"path,omitempty" yaml:"path"`
	Method     string            `json:"method,omitempty" yaml:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Body       []byte            `json:"body,omitempty" yaml:"-"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes"`
	Topic      string            `json:"topic,omitempty" yaml:"topic"`

	// SkipReplay delivers the trigger directly: it is not recorded and not policy checked.
	SkipReplay bool `json:"skipReplay,omitempty" yaml:"skipReplay"`
	// ExpectProcessed fails the run unless the last recorded key ends in ".processed".
	ExpectProcessed bool `json:"expectProcessed,omitempty" yaml:"expectProcessed"`
}

// SequenceTrigger pushes body with routing key (e.g. "trigger.sequence.some-sequence")
// straight to the handler and expects the sequence to end processed.
func SequenceTrigger(key string, body []byte) Trigger {
	return Trigger{
		Body:            body,
		Attributes:      map[string]string{delivery.RoutingKeyAttribute: key},
		SkipReplay:      true,
		ExpectProcessed: true,
	}
}

func (t Trigger) push() bool {
	return t.Topic != "" || len(t.Attributes) > 0
}

var validate = validator.New()

// Validate checks the trigger fields. Method is upper-cased before validation.
func (t Trigger) Validate() error {
	t.Method = strings.ToUpper(t.Method)
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid trigger: %w", err)
	}
	if !t.push() && t.Path == "" {
		return errors.New("invalid trigger: path is required for HTTP triggers")
	}
	return nil
}

// Result is the outcome of a sequence run.
type Result struct {
	LastMessage    *recorder.Message   `json:"lastMessage,omitempty"`
	LastResponse   *recorder.Response  `json:"lastResponse,omitempty"`
	Messages       []recorder.Message  `json:"messages"`
	Responses      []recorder.Response `json:"responses"`
	TriggeredFlows []string            `json:"triggeredFlows"`
	// RoutingKeyCounts holds the delivered occurrences per routing key.
	RoutingKeyCounts map[string]int `json:"routingKeyCounts"`
}

// RunSequence runs trig against target on a fresh engine.
func RunSequence(ctx context.Context, target dispatcher.Deliverer, trig Trigger, opts ...Option) (*Result, error) {
	return New(opts...).RunSequence(ctx, target, trig)
}

// RunSequence enables publishing with opts, sends trig, drains the queue and
// resets the engine.
func (e *Engine) RunSequence(ctx context.Context, target dispatcher.Deliverer, trig Trigger, opts ...Option) (*Result, error) {
	if err := trig.Validate(); err != nil {
		return nil, err
	}
	if err := e.EnablePublish(target, opts...); err != nil {
		return nil, err
	}
	defer e.Reset()

	o := e.options()
	task := e.triggerTask(o, trig)
	if trig.SkipReplay {
		if _, err := e.deliverDirect(ctx, target, o, task); err != nil {
			return nil, err
		}
	} else if err := e.enqueue(ctx, task); err != nil {
		return nil, err
	}

	if err := e.ProcessMessages(ctx); err != nil {
		return nil, err
	}

	res := newResult(e.RecordedMessages(), e.RecordedMessageHandlerResponses())
	res.RoutingKeyCounts = e.RoutingKeyCounts()
	if trig.ExpectProcessed && !res.processed() {
		o.logger.WithContext(ctx).WithField("triggered_flows", res.TriggeredFlows).Error("sequence did not reach a processed key")
		return res, ErrSequenceNotProcessed
	}
	return res, nil
}

func (e *Engine) triggerTask(o options, trig Trigger) delivery.Task {
	if trig.push() {
		topic := trig.Topic
		if topic == "" {
			topic = DefaultTriggerTopic
		}
		path := trig.Path
		if path == "" {
			path = o.pushPath
		}
		return delivery.Task{
			Kind:       delivery.KindPush,
			HTTPMethod: "POST",
			TargetURL:  path,
			Headers:    trig.Headers,
			Body:       trig.Body,
			Topic:      topic,
			Attributes: trig.Attributes,
			EnqueuedAt: o.now(),
		}
	}
	return delivery.Task{
		Kind:       delivery.KindHTTP,
		QueueName:  o.defaultQueue,
		TaskName:   o.taskNamer(),
		HTTPMethod: trig.Method,
		TargetURL:  trig.Path,
		Headers:    trig.Headers,
		Body:       trig.Body,
		EnqueuedAt: o.now(),
	}
}

func newResult(msgs []recorder.Message, resps []recorder.Response) *Result {
	res := &Result{Messages: msgs, Responses: resps, TriggeredFlows: []string{}}
	if n := len(msgs); n > 0 {
		res.LastMessage = &msgs[n-1]
	}
	if n := len(resps); n > 0 {
		res.LastResponse = &resps[n-1]
	}

	seen := make(map[string]bool)
	for _, m := range msgs {
		flow := FlowOf(messageKey(m))
		if flow == "" || seen[flow] {
			continue
		}
		seen[flow] = true
		res.TriggeredFlows = append(res.TriggeredFlows, flow)
	}
	return res
}

func (r *Result) processed() bool {
	if r.LastMessage == nil {
		return false
	}
	return IsProcessedKey(messageKey(*r.LastMessage))
}

// IsProcessedKey reports whether the last dot separated segment of key is "processed".
func IsProcessedKey(key string) bool {
	return key[strings.LastIndexByte(key, '.')+1:] == "processed"
}

func messageKey(m recorder.Message) string {
	if k := m.Key(); k != "" {
		return k
	}
	return m.URL
}

// FlowOf returns the first two dot separated segments of a routing key.
func FlowOf(key string) string {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) < 2 {
		return key
	}
	return parts[0] + "." + parts[1]
}
