// Package bridge carries pub/sub messages over NSQ: a real Publisher for
// producers running outside the emulator, and a consumer feeding an engine.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskreplay/internal/config"
	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/replay"
	"github.com/austindbirch/taskreplay/internal/tracing"
)

// Envelope is the NSQ message body.
type Envelope struct {
	ID           string            `json:"id"`
	Topic        string            `json:"topic"`
	Data         []byte            `json:"data"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Producer is satisfied by *nsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Publisher implements replay.Publisher on top of NSQ. Every pub/sub topic is
// multiplexed onto a single NSQ topic.
type Publisher struct {
	prod     Producer
	nsqTopic string
}

// NewPublisher publishes every pub/sub topic onto nsqTopic.
func NewPublisher(prod Producer, nsqTopic string) *Publisher {
	return &Publisher{prod: prod, nsqTopic: nsqTopic}
}

// Publish wraps msg in an Envelope and returns the generated message id.
func (p *Publisher) Publish(ctx context.Context, topic string, msg replay.Message) (string, error) {
	env := Envelope{
		ID:           uuid.NewString(),
		Topic:        topic,
		Data:         msg.Data,
		Attributes:   msg.Attributes,
		TraceHeaders: tracing.InjectTrace(ctx),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.prod.Publish(p.nsqTopic, b); err != nil {
		return "", fmt.Errorf("nsq publish: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", p.nsqTopic))
	return env.ID, nil
}

// Handler republishes NSQ messages into target, usually an engine's PubSub fake.
type Handler struct {
	target replay.Publisher
	logger *logging.Logger
}

// NewHandler returns a Handler publishing bridged messages to target.
func NewHandler(target replay.Publisher, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{target: target, logger: logger}
}

// HandleMessage finishes malformed messages and requeues ones the target rejects.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	var env Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		h.logger.Plain().WithError(err).Error("bad bridge payload")
		return nil
	}
	if env.Topic == "" {
		h.logger.Plain().WithField("id", env.ID).Error("bridge payload without topic")
		return nil
	}

	ctx := tracing.ExtractTrace(context.Background(), env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "bridge.consume",
		attribute.String("topic", env.Topic),
		attribute.Int("attempts", int(m.Attempts)),
	)
	defer span.End()

	log := h.logger.WithContext(ctx).WithTopic(env.Topic).WithRoutingKey(env.Attributes["key"])
	if _, err := h.target.Publish(ctx, env.Topic, replay.Message{Data: env.Data, Attributes: env.Attributes}); err != nil {
		tracing.SetSpanError(ctx, err)
		if errors.Is(err, replay.ErrNotEnabled) {
			log.WithError(err).Warn("engine not enabled, requeueing")
		} else {
			log.WithError(err).Error("bridge publish failed")
		}
		return err
	}
	log.Debug("bridged message")
	return nil
}

// NewConsumer subscribes h to cfg.Topic on cfg.Channel and connects to nsqd and lookupd.
func NewConsumer(cfg config.NSQ, h *Handler) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 100
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(h)

	// Connecting directly to nsqd creates the channel before the first publish
	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect to nsqd: %w", err)
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return consumer, nil
}

var (
	_ replay.Publisher = (*Publisher)(nil)
	_ nsq.Handler      = (*Handler)(nil)
	_ Producer         = (*nsq.Producer)(nil)
)
