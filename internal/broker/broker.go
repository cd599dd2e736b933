// Package broker is a minimal recipe-driven worker: each push message runs one
// step of a sequence and publishes the key of the next step. It gives the replay
// engine a realistic handler to drive, in tests and as a standalone service.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/envelope"
	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/replay"
)

const (
	DefaultTopic  = "some-topic"
	processedStep = ".processed"
)

// StepFunc runs one step. A non-nil result is appended to the message data.
type StepFunc func(ctx context.Context, msg map[string]any) (any, error)

type Step struct {
	Key string // suffix after "<namespace>.<name>", e.g. ".perform.something"
	Fn  StepFunc
}

// Route builds a step.
func Route(key string, fn StepFunc) Step {
	return Step{Key: key, Fn: fn}
}

type Recipe struct {
	Namespace string
	Name      string
	Steps     []Step
	// Unfinished recipes never publish their processed key.
	Unfinished bool
	// SelfTriggering recipes republish their last step forever.
	SelfTriggering bool
}

func (r Recipe) prefix() string {
	return r.Namespace + "." + r.Name
}

type Option func(*Broker)

// WithTopic sets the topic the broker publishes next steps to.
func WithTopic(topic string) Option {
	return func(b *Broker) {
		if topic != "" {
			b.topic = topic
		}
	}
}

// WithLogger sets the broker logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

type Broker struct {
	pub    replay.Publisher
	topic  string
	logger *logging.Logger

	first    map[string]string // "<ns>.<name>" -> first step key
	next     map[string]string // step key -> next key
	handlers map[string]StepFunc

	mux *http.ServeMux
}

// New builds a broker publishing through pub and routing on recipes.
func New(pub replay.Publisher, recipes []Recipe, opts ...Option) *Broker {
	b := &Broker{
		pub:      pub,
		topic:    DefaultTopic,
		logger:   logging.Default(),
		first:    make(map[string]string),
		next:     make(map[string]string),
		handlers: make(map[string]StepFunc),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, r := range recipes {
		prefix := r.prefix()
		for i, step := range r.Steps {
			key := prefix + step.Key
			b.handlers[key] = step.Fn
			switch {
			case i+1 < len(r.Steps):
				b.next[key] = prefix + r.Steps[i+1].Key
			case r.SelfTriggering:
				b.next[key] = key
			case !r.Unfinished:
				b.next[key] = prefix + processedStep
			}
		}
		if len(r.Steps) > 0 {
			b.first[prefix] = prefix + r.Steps[0].Key
		}
	}

	b.mux = http.NewServeMux()
	b.mux.HandleFunc("POST /message", b.handleMessage)
	b.mux.HandleFunc("POST /resume-message", b.handleResume)
	return b
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

// First returns the first step key of a trigger ("trigger.<ns>.<name>" or "<ns>.<name>").
func (b *Broker) First(key string) (string, bool) {
	k, ok := b.first[strings.TrimPrefix(key, "trigger.")]
	return k, ok
}

// Next returns the key published after step key.
func (b *Broker) Next(key string) (string, bool) {
	k, ok := b.next[key]
	return k, ok
}

func (b *Broker) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	push, err := envelope.ParsePush(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := decodeMessage(push)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key := push.Key()
	log := b.logger.WithContext(ctx).WithRoutingKey(key).WithTopic(b.topic)

	if replay.IsProcessedKey(key) {
		w.WriteHeader(http.StatusOK)
		return
	}

	data := dataOf(msg)
	fn, ok := b.handlers[key]
	if !ok {
		first, ok := b.First(key)
		if !ok {
			log.Warn("no recipe for routing key")
			writeError(w, http.StatusBadRequest, fmt.Errorf("no recipe for routing key %q", key))
			return
		}
		if err := b.publish(ctx, msg, data, first); err != nil {
			log.WithError(err).Error("publish first step failed")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := fn(ctx, msg)
	if err != nil {
		log.WithError(err).Error("step failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if result != nil {
		data = append(data, result)
	}

	next, ok := b.next[key]
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}
	if err := b.publish(ctx, msg, data, next); err != nil {
		log.WithError(err).Error("publish next step failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.WithField("next", next).Debug("step done")
	w.WriteHeader(http.StatusOK)
}

func (b *Broker) handleResume(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (b *Broker) publish(ctx context.Context, msg map[string]any, data []any, key string) error {
	out := make(map[string]any, len(msg)+1)
	for k, v := range msg {
		out[k] = v
	}
	out["data"] = data
	m, err := replay.JSONMessage(out, map[string]string{delivery.RoutingKeyAttribute: key})
	if err != nil {
		return err
	}
	_, err = b.pub.Publish(ctx, b.topic, m)
	return err
}

func decodeMessage(push *envelope.Push) (map[string]any, error) {
	raw, err := push.Data()
	if err != nil {
		return nil, err
	}
	msg := map[string]any{}
	if len(raw) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func dataOf(msg map[string]any) []any {
	existing, _ := msg["data"].([]any)
	return append([]any{}, existing...)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]string{{"detail": err.Error()}},
	})
}
