// Package dispatcher replays queued tasks against the handler under test, one
// at a time and wave by wave, until the queue stays empty.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/envelope"
	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/metrics"
	"github.com/austindbirch/taskreplay/internal/policy"
	"github.com/austindbirch/taskreplay/internal/recorder"
	"github.com/austindbirch/taskreplay/internal/tracing"
)

const ReasonDeadLetter = "dead-letter"

// Source is the queue side of the dispatcher.
type Source interface {
	DrainAll() []delivery.Task
}

type Decider interface {
	Decide(key string) policy.Decision
}

// Sink receives the recorded messages and responses.
type Sink interface {
	AppendMessage(m recorder.Message)
	AppendResponse(r recorder.Response)
}

// HandlerError is returned when the handler under test answers with a status >= 400.
type HandlerError struct {
	StatusCode int
	Body       any
	Text       string
	URL        string
}

func (e *HandlerError) Error() string {
	triple, _ := json.Marshal(struct {
		StatusCode int    `json:"statusCode"`
		Body       any    `json:"body"`
		Text       string `json:"text"`
	}{e.StatusCode, e.Body, e.Text})
	return fmt.Sprintf("handler responded %d to %s: %s", e.StatusCode, e.URL, triple)
}

type Options struct {
	SelfURL         string
	DeadLetterTopic string
	Logger          *logging.Logger
	Now             func() time.Time
}

type Dispatcher struct {
	source  Source
	policy  Decider
	sink    Sink
	builder *envelope.Builder
	target  Deliverer
	opts    Options
}

// New creates a dispatcher that drains source into target.
func New(source Source, p Decider, sink Sink, builder *envelope.Builder, target Deliverer, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if builder == nil {
		builder = &envelope.Builder{SelfURL: opts.SelfURL}
	}
	return &Dispatcher{source: source, policy: p, sink: sink, builder: builder, target: target, opts: opts}
}

// Run drains the source wave by wave until a drain comes back empty.
// It stops at the first handler error, transport error or decode error.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		wave := d.source.DrainAll()
		if len(wave) == 0 {
			return nil
		}
		metrics.RecordWave()
		d.opts.Logger.WithContext(ctx).WithField("tasks", len(wave)).Debug("dispatching wave")

		for _, t := range wave {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.dispatch(ctx, t); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, t delivery.Task) error {
	key := t.RoutingKey(d.opts.SelfURL)

	ctx = tracing.ExtractTrace(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "replay.dispatch",
		attribute.String("task.kind", string(t.Kind)),
		attribute.String("task.routing_key", key),
		attribute.String("task.topic", t.Topic),
		attribute.String("task.queue", t.QueueName),
	)
	defer span.End()

	log := d.opts.Logger.WithContext(ctx).WithRoutingKey(key).WithTopic(t.Topic).WithQueue(t.QueueName).WithTask(t.TaskName)

	msg, err := recorder.NewMessage(t, d.opts.SelfURL, 1)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	d.sink.AppendMessage(msg)

	if t.Kind == delivery.KindPush && d.opts.DeadLetterTopic != "" && t.Topic == d.opts.DeadLetterTopic {
		d.skip(ctx, t, key, ReasonDeadLetter)
		log.Info("dead-letter message recorded, not delivered")
		return nil
	}
	if dec := d.policy.Decide(key); !dec.Deliver {
		d.skip(ctx, t, key, dec.Reason)
		log.WithField("reason", dec.Reason).Info("task skipped")
		return nil
	}

	req, err := d.builder.Build(ctx, t, 1)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	for k, v := range tracing.InjectTrace(ctx) {
		req.Header.Set(k, v)
	}

	tracing.AddSpanEvent(ctx, "http.deliver")
	start := time.Now()
	reply, err := d.target.Deliver(ctx, req)
	latency := time.Since(start)
	if err != nil {
		metrics.RecordDispatch("failed", latency)
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("delivery failed")
		return fmt.Errorf("deliver %s %s: %w", req.Method, req.URL, err)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", reply.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	resp := toResponse(reply, req.URL)
	if reply.StatusCode >= 400 {
		herr := &HandlerError{StatusCode: resp.StatusCode, Body: resp.Body, Text: resp.Text, URL: req.URL}
		metrics.RecordDispatch("failed", latency)
		tracing.SetSpanError(ctx, herr)
		log.WithField("status", reply.StatusCode).Error("handler returned error status")
		return herr
	}

	metrics.RecordDispatch("delivered", latency)
	d.sink.AppendResponse(resp)
	log.WithFields(map[string]any{
		"status":     reply.StatusCode,
		"latency_ms": latency.Milliseconds(),
	}).Debug("task delivered")
	return nil
}

func (d *Dispatcher) skip(ctx context.Context, t delivery.Task, key, reason string) {
	skipped := delivery.NewSkipped(t, key, reason, d.opts.Now())
	text, _ := json.Marshal(skipped)
	var body any
	_ = json.Unmarshal(text, &body)

	tracing.AddSpanEvent(ctx, "task.skipped", attribute.String("reason", reason))
	metrics.RecordDispatch("skipped", 0)
	d.sink.AppendResponse(recorder.Response{
		StatusCode: 200,
		Body:       body,
		Text:       string(text),
		URL:        t.RelativeURL(d.opts.SelfURL),
		Skipped:    true,
	})
}

// toResponse decodes the reply body when possible. A handler answering with a
// non-JSON body still yields a response; only the raw text is kept.
func toResponse(reply *Reply, url string) recorder.Response {
	body, err := envelope.DecodeBody(reply.Header.Get("Content-Type"), reply.Body)
	if err != nil {
		body = nil
	}
	return recorder.Response{
		StatusCode: reply.StatusCode,
		Body:       body,
		Headers:    reply.Header,
		Text:       string(reply.Body),
		URL:        url,
	}
}
