// Package archive persists finished replay runs to Postgres.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/taskreplay/internal/db"
	"github.com/austindbirch/taskreplay/internal/recorder"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one drained sequence as it is stored.
type Run struct {
	ID         uuid.UUID           `json:"id"`
	Source     string              `json:"source"`
	TriggerKey string              `json:"triggerKey,omitempty"`
	Error      string              `json:"error,omitempty"`
	Messages   []recorder.Message  `json:"messages"`
	Responses  []recorder.Response `json:"responses"`
	KeyCounts  map[string]int      `json:"keyCounts"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
}

// Status is derived from Error.
func (r Run) Status() string {
	if r.Error != "" {
		return StatusFailed
	}
	return StatusSucceeded
}

// Store writes runs through any pgx pool or connection.
type Store struct {
	db db.Execer
}

// NewStore returns a Store writing through conn.
func NewStore(conn db.Execer) *Store {
	return &Store{db: conn}
}

const insertRun = `
INSERT INTO taskreplay.runs
	(id, source, trigger_key, status, error, message_count, messages, responses, key_counts, started_at, finished_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)`

// Save inserts run, assigning an ID when it has none. It returns the stored ID.
func (s *Store) Save(ctx context.Context, run Run) (uuid.UUID, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}

	messages, err := marshal(run.Messages, "[]")
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal messages: %w", err)
	}
	responses, err := marshal(run.Responses, "[]")
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal responses: %w", err)
	}
	counts, err := marshal(run.KeyCounts, "{}")
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal key counts: %w", err)
	}

	_, err = s.db.Exec(ctx, insertRun,
		run.ID, run.Source, run.TriggerKey, run.Status(), run.Error, len(run.Messages),
		messages, responses, counts, run.StartedAt, run.FinishedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return run.ID, nil
}

func marshal[T any](v T, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}
