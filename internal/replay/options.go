package replay

import (
	"time"

	"github.com/austindbirch/taskreplay/internal/envelope"
	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/policy"
)

const (
	DefaultTaskName     = "test-task"
	DefaultMessageID    = "some-message-id"
	DefaultQueue        = "projects/test/locations/test/queues/trigger"
	DefaultTriggerTopic = "some-topic"
)

type options struct {
	policy          policy.Config
	selfURL         string
	pushPath        string
	subscription    string
	deadLetterTopic string
	defaultQueue    string
	tokens          envelope.TokenSource
	taskNamer       func() string
	messageIDs      func() string
	now             func() time.Time
	logger          *logging.Logger
	stubs           []Stub
}

func defaultOptions() options {
	return options{
		pushPath:     envelope.DefaultPushPath,
		subscription: envelope.DefaultSubscription,
		defaultQueue: DefaultQueue,
		taskNamer:    func() string { return DefaultTaskName },
		messageIDs:   func() string { return DefaultMessageID },
		now:          time.Now,
		logger:       logging.Default(),
	}
}

// Option configures an Engine.
type Option func(*options)

// WithSkipSequences never dispatches keys starting with one of prefixes.
func WithSkipSequences(prefixes ...string) Option {
	return func(o *options) {
		merged := make([]string, 0, len(o.policy.SkipSequences)+len(prefixes))
		o.policy.SkipSequences = append(append(merged, o.policy.SkipSequences...), prefixes...)
	}
}

// WithMaxRunsForKey caps how many times each exact key is delivered during a run.
func WithMaxRunsForKey(caps map[string]int) Option {
	return func(o *options) {
		merged := make(map[string]int, len(o.policy.MaxRunsForKey)+len(caps))
		for k, v := range o.policy.MaxRunsForKey {
			merged[k] = v
		}
		for k, v := range caps {
			merged[k] = v
		}
		o.policy.MaxRunsForKey = merged
	}
}

// WithPolicy replaces the whole termination policy configuration.
func WithPolicy(cfg policy.Config) Option {
	return func(o *options) { o.policy = cfg }
}

// WithSelfURL sets the URL prefix stripped from task URLs before delivery.
func WithSelfURL(u string) Option {
	return func(o *options) { o.selfURL = u }
}

// WithPushPath sets the handler path push messages are delivered to.
func WithPushPath(p string) Option {
	return func(o *options) {
		if p != "" {
			o.pushPath = p
		}
	}
}

// WithSubscription sets the subscription name in push envelopes.
func WithSubscription(s string) Option {
	return func(o *options) {
		if s != "" {
			o.subscription = s
		}
	}
}

// WithDeadLetterTopic records messages published to topic without delivering them.
func WithDeadLetterTopic(topic string) Option {
	return func(o *options) { o.deadLetterTopic = topic }
}

// WithDefaultQueue sets the queue parent used for HTTP triggers.
func WithDefaultQueue(parent string) Option {
	return func(o *options) {
		if parent != "" {
			o.defaultQueue = parent
		}
	}
}

// WithTokenSource attaches a bearer token to every delivered request.
func WithTokenSource(ts envelope.TokenSource) Option {
	return func(o *options) { o.tokens = ts }
}

// WithTaskNamer sets how the fake task queue names created tasks.
func WithTaskNamer(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.taskNamer = fn
		}
	}
}

// WithMessageIDs sets how the fake publisher assigns message ids.
func WithMessageIDs(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.messageIDs = fn
		}
	}
}

// WithClock sets the time source for publish times and task ETAs.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStubs registers client slots that receive the engine fakes while publishing is enabled.
func WithStubs(stubs ...Stub) Option {
	return func(o *options) {
		merged := make([]Stub, 0, len(o.stubs)+len(stubs))
		o.stubs = append(append(merged, o.stubs...), stubs...)
	}
}
