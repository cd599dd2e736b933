package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	Enabled        bool   // Bridge NSQ traffic into the engine
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled for channel backlog
	PollInterval   time.Duration
	Topic          string // NSQ topic replayed into the engine
	Channel        string // NSQ channel name for the bridge consumer
}

type Replay struct {
	TargetURL       string         // Base URL of the handler under test
	SelfURL         string         // Prefix stripped from task URLs
	PushPath        string         // Path push messages are delivered to
	Subscription    string         // Subscription name placed in push envelopes
	DeadLetterTopic string         // Topic recorded but never delivered
	DefaultQueue    string         // Queue used when a task names none
	SkipSequences   []string       // Key prefixes never dispatched
	MaxRunsForKey   map[string]int // Exact key -> delivery cap
	DeliveryTimeout time.Duration  // Per-request timeout against the target
}

type Auth struct {
	Require  bool   // Reject producer calls without a valid bearer token
	Secret   string // HMAC secret for push tokens
	Issuer   string
	Audience string
}

type Emulator struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Archive      bool // Persist finished runs to Postgres
}

type FakeBroker struct {
	Port            string // Server listen port
	EmulatorURL     string // Emulator the broker publishes through
	ResponseDelayMS int    // Simulated handler latency in milliseconds
}

type Config struct {
	AppName    string
	HTTPPort   string // :8085
	GRPCPort   string // :50061
	DB         DB
	NSQ        NSQ
	Replay     Replay
	Auth       Auth
	Emulator   Emulator
	FakeBroker FakeBroker
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseList splits a comma separated list, dropping blanks.
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseKeyCounts parses "key=3,other.key=5" into a cap map.
func ParseKeyCounts(s string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, part := range parseList(s) {
		key, raw, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed max-runs entry %q, want key=count", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed max-runs count for %q: %q", key, raw)
		}
		counts[key] = n
	}
	return counts, nil
}

// FromEnv loads the configuration from environment variables.
func FromEnv() Config {
	maxRuns, err := ParseKeyCounts(getenv("REPLAY_MAX_RUNS_FOR_KEY", ""))
	if err != nil {
		// Malformed caps fall back to no caps, like the other getenv helpers
		maxRuns = map[string]int{}
	}

	return Config{
		AppName:  getenv("APP_NAME", "taskreplay"),
		HTTPPort: getenv("HTTP_PORT", ":8085"),
		GRPCPort: getenv("GRPC_PORT", ":50061"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "taskreplay"),
		},
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			PollInterval:   getenvDuration("NSQ_POLL_INTERVAL", 15*time.Second),
			Topic:          getenv("NSQ_REPLAY_TOPIC", "replay"),
			Channel:        getenv("NSQ_REPLAY_CHANNEL", "emulator"),
		},
		Replay: Replay{
			TargetURL:       getenv("REPLAY_TARGET_URL", "http://localhost:8086"),
			SelfURL:         getenv("REPLAY_SELF_URL", ""),
			PushPath:        getenv("REPLAY_PUSH_PATH", "/message"),
			Subscription:    getenv("REPLAY_SUBSCRIPTION", "some-cool-subscription"),
			DeadLetterTopic: getenv("REPLAY_DEAD_LETTER_TOPIC", ""),
			DefaultQueue:    getenv("REPLAY_DEFAULT_QUEUE", "projects/local/locations/local/queues/default"),
			SkipSequences:   parseList(getenv("REPLAY_SKIP_SEQUENCES", "")),
			MaxRunsForKey:   maxRuns,
			DeliveryTimeout: getenvDuration("REPLAY_DELIVERY_TIMEOUT", 30*time.Second),
		},
		Auth: Auth{
			Require:  getenvBool("AUTH_REQUIRE", false),
			Secret:   getenv("AUTH_SECRET", ""),
			Issuer:   getenv("AUTH_ISSUER", "taskreplay"),
			Audience: getenv("AUTH_AUDIENCE", "taskreplay-push"),
		},
		Emulator: Emulator{
			ReadTimeout:  getenvDuration("EMULATOR_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getenvDuration("EMULATOR_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getenvDuration("EMULATOR_IDLE_TIMEOUT", 60*time.Second),
			Archive:      getenvBool("EMULATOR_ARCHIVE", false),
		},
		FakeBroker: FakeBroker{
			Port:            getenv("FAKE_BROKER_PORT", ":8086"),
			EmulatorURL:     getenv("FAKE_BROKER_EMULATOR_URL", "http://localhost:8085"),
			ResponseDelayMS: getenvInt("FAKE_BROKER_RESPONSE_DELAY_MS", 0),
		},
	}
}

// DSN returns the postgres connection string for c.DB.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
