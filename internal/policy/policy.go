// Package policy decides whether a queued task is delivered or acknowledged
// without delivery, which is what lets self-triggering sequences terminate.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

const (
	ReasonSkipSequence = "skip-sequence"
	ReasonMaxRuns      = "max-runs"
)

// Config is the zero-value friendly policy input. The zero value delivers everything.
type Config struct {
	// SkipSequences lists key prefixes that are never dispatched.
	SkipSequences []string `json:"skipSequences,omitempty" yaml:"skipSequences" validate:"dive,required"`
	// MaxRunsForKey caps how many times an exact key is delivered in one run.
	MaxRunsForKey map[string]int `json:"maxRunsForKey,omitempty" yaml:"maxRunsForKey" validate:"dive,keys,required,endkeys,gte=0"`
}

var validate = validator.New()

// Validate rejects empty prefixes, empty keys and negative caps.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid replay policy: %w", err)
	}
	return nil
}

type Decision struct {
	Deliver bool
	Reason  string // set when Deliver is false
}

// Policy tracks delivered occurrences per routing key.
type Policy struct {
	cfg Config

	mu     sync.Mutex
	counts map[string]int
}

// New returns a policy with zeroed counters.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg, counts: make(map[string]int)}
}

// Decide consults the configuration for key and, when the task is delivered,
// counts the occurrence. A capped key is never counted past its cap.
func (p *Policy) Decide(key string) Decision {
	for _, prefix := range p.cfg.SkipSequences {
		if strings.HasPrefix(key, prefix) {
			return Decision{Reason: ReasonSkipSequence}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if max, ok := p.cfg.MaxRunsForKey[key]; ok && p.counts[key] >= max {
		return Decision{Reason: ReasonMaxRuns}
	}
	p.counts[key]++
	return Decision{Deliver: true}
}

// Count returns how many times key has been delivered.
func (p *Policy) Count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[key]
}

// Counts returns a snapshot of every counter.
func (p *Policy) Counts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.counts))
	for k, v := range p.counts {
		out[k] = v
	}
	return out
}

// Reset zeroes every counter.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.counts = make(map[string]int)
	p.mu.Unlock()
}
