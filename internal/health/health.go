package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Engine is the replay state reported alongside liveness.
type Engine interface {
	Enabled() bool
	QueueDepth() int
}

type Status struct {
	OK             bool   `json:"ok"`
	Message        string `json:"message,omitempty"`
	Database       bool   `json:"database,omitempty"`
	PublishEnabled bool   `json:"publishEnabled"`
	QueueDepth     int    `json:"queueDepth"`
}

// HTTPHandler reports the emulator's health. db may be nil when archiving is off;
// engine may be nil for services that do not own one.
func HTTPHandler(db Pinger, engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}
		if engine != nil {
			st.PublishEnabled = engine.Enabled()
			st.QueueDepth = engine.QueueDepth()
		}

		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
