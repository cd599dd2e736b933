package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/emulator"
	"github.com/austindbirch/taskreplay/internal/policy"
	"github.com/austindbirch/taskreplay/internal/replay"
)

// Scenario is one sequence run described in YAML:
//
//	name: some sequence
//	trigger:
//	  key: trigger.sequence.some-sequence
//	payload: {id: some-guid}
//	policy:
//	  maxRunsForKey: {sequence.trigger-itself.perform.trigger: 3}
//	expect:
//	  messages: 3
//	  lastKey: sequence.some-sequence.processed
type Scenario struct {
	Name    string          `yaml:"name" validate:"required"`
	Trigger ScenarioTrigger `yaml:"trigger"`
	Payload any             `yaml:"payload"`
	Policy  policy.Config   `yaml:"policy"`
	Expect  Expectations    `yaml:"expect"`
}

// ScenarioTrigger describes the initiating request. A Key alone makes a
// sequence trigger: delivered directly and expected to end processed, unless
// skipReplay or expectProcessed say otherwise.
type ScenarioTrigger struct {
	Key             string            `yaml:"key"`
	Path            string            `yaml:"path"`
	Method          string            `yaml:"method"`
	Topic           string            `yaml:"topic"`
	Headers         map[string]string `yaml:"headers"`
	Attributes      map[string]string `yaml:"attributes"`
	SkipReplay      *bool             `yaml:"skipReplay"`
	ExpectProcessed *bool             `yaml:"expectProcessed"`
}

func (t ScenarioTrigger) trigger() replay.Trigger {
	trig := replay.Trigger{
		Path:       t.Path,
		Method:     t.Method,
		Topic:      t.Topic,
		Headers:    t.Headers,
		Attributes: t.Attributes,
	}
	if t.Key != "" {
		seq := replay.SequenceTrigger(t.Key, nil)
		attrs := make(map[string]string, len(t.Attributes)+1)
		for k, v := range t.Attributes {
			attrs[k] = v
		}
		attrs[delivery.RoutingKeyAttribute] = t.Key
		trig.Attributes = attrs
		trig.SkipReplay, trig.ExpectProcessed = seq.SkipReplay, seq.ExpectProcessed
	}
	if t.SkipReplay != nil {
		trig.SkipReplay = *t.SkipReplay
	}
	if t.ExpectProcessed != nil {
		trig.ExpectProcessed = *t.ExpectProcessed
	}
	return trig
}

type Expectations struct {
	Messages *int     `yaml:"messages" validate:"omitempty,gte=0"`
	Flows    []string `yaml:"flows"`
	LastKey  string   `yaml:"lastKey"`
	// Error, when set, must be a substring of the run error. A run error is
	// otherwise a failure.
	Error string `yaml:"error"`
}

var validate = validator.New()

// loadScenario reads and validates a scenario file
func loadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := validate.Struct(sc); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	if err := sc.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &sc, nil
}

// request converts the scenario into an emulator run request
func (s *Scenario) request() (emulator.RunSequenceRequest, error) {
	trig := s.Trigger.trigger()
	if err := trig.Validate(); err != nil {
		return emulator.RunSequenceRequest{}, err
	}

	req := emulator.RunSequenceRequest{Trigger: trig, Policy: s.Policy}
	if s.Payload != nil {
		payload, err := json.Marshal(s.Payload)
		if err != nil {
			return emulator.RunSequenceRequest{}, fmt.Errorf("payload is not JSON encodable: %w", err)
		}
		req.Payload = payload
	}
	return req, nil
}

// check compares a run outcome with the expectations and lists every mismatch
func (e Expectations) check(res *replay.Result, runErr error) []string {
	var failures []string
	switch {
	case runErr != nil && e.Error == "":
		return []string{fmt.Sprintf("run failed: %v", runErr)}
	case runErr == nil && e.Error != "":
		failures = append(failures, fmt.Sprintf("expected error containing %q, run succeeded", e.Error))
	case runErr != nil && !strings.Contains(runErr.Error(), e.Error):
		failures = append(failures, fmt.Sprintf("expected error containing %q, got %v", e.Error, runErr))
	}
	if res == nil {
		if e.Messages != nil || len(e.Flows) > 0 || e.LastKey != "" {
			failures = append(failures, "no result to check expectations against")
		}
		return failures
	}

	if e.Messages != nil && len(res.Messages) != *e.Messages {
		failures = append(failures, fmt.Sprintf("expected %d messages, got %d", *e.Messages, len(res.Messages)))
	}
	if len(e.Flows) > 0 && !slices.Equal(e.Flows, res.TriggeredFlows) {
		failures = append(failures, fmt.Sprintf("expected flows %v, got %v", e.Flows, res.TriggeredFlows))
	}
	if e.LastKey != "" {
		got := ""
		if res.LastMessage != nil {
			got = res.LastMessage.Key()
		}
		if got != e.LastKey {
			failures = append(failures, fmt.Sprintf("expected last key %q, got %q", e.LastKey, got))
		}
	}
	return failures
}
