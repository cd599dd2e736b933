package delivery

import "time"

const SkippedType = "sequence.skipped"

// Skipped is the synthetic handler response recorded when a task is acknowledged without delivery.
type Skipped struct {
	Type       string `json:"type"`    // "sequence.skipped"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the skip was decided
	Reason     string `json:"reason"`
	RoutingKey string `json:"routingKey"`
	Topic      string `json:"topic,omitempty"`
	TaskName   string `json:"taskName,omitempty"`
}

// NewSkipped builds the record stored in place of a response for an undelivered task.
func NewSkipped(t Task, routingKey, reason string, at time.Time) Skipped {
	return Skipped{
		Type:       SkippedType,
		Version:    "v1",
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		RoutingKey: routingKey,
		Topic:      t.Topic,
		TaskName:   t.TaskName,
	}
}
