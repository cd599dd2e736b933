package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "test-service"},
		{name: "create logger with empty service name", serviceName: ""},
		{name: "create logger with complex service name", serviceName: "taskreplay-emulator-v2.1.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.Service() != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.Service(), tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()

			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if tt.hasTrace && (entry.TraceID == "" || entry.SpanID == "") {
				t.Errorf("WithContext() TraceID = %q SpanID = %q, want both set", entry.TraceID, entry.SpanID)
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty string without trace", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(*LogEntry) *LogEntry
		checkFn func(*testing.T, *LogEntry)
	}{
		{
			name:    "WithQueue",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithQueue("projects/p/locations/l/queues/q") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Queue != "projects/p/locations/l/queues/q" {
					t.Errorf("WithQueue() Queue = %q", e.Queue)
				}
			},
		},
		{
			name:    "WithTask",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithTask("test-task") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.TaskName != "test-task" {
					t.Errorf("WithTask() TaskName = %q, want %q", e.TaskName, "test-task")
				}
			},
		},
		{
			name: "chained methods",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithTraceID("trace-123").WithTopic("some-topic").WithRoutingKey("sequence.a.b")
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.TraceID != "trace-123" || e.Topic != "some-topic" || e.RoutingKey != "sequence.a.b" {
					t.Errorf("chained entry = %+v", e)
				}
			},
		},
		{
			name:    "WithError nil is a no-op",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithError(nil) },
			checkFn: func(t *testing.T, e *LogEntry) {
				if _, ok := e.Fields["error"]; ok {
					t.Error("WithError(nil) should not add an error field")
				}
			},
		},
		{
			name:    "WithError",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithError(errors.New("boom")) },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Fields["error"] != "boom" {
					t.Errorf("WithError() Fields[error] = %v, want %q", e.Fields["error"], "boom")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test-service").Plain()

			result := tt.setupFn(entry)
			if result != entry {
				t.Error("Fluent method should return same LogEntry instance")
			}
			tt.checkFn(t, entry)
		})
	}
}

func TestLogEntry_Output(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test-service")
	logger.SetOutput(&buf)

	logger.Plain().WithTask("test-task").WithField("wave", 2).Info("dispatched")
	logger.Plain().Warnf("skipped %d", 1)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	if lines[0]["level"] != "info" || lines[0]["msg"] != "dispatched" || lines[0]["task_name"] != "test-task" {
		t.Errorf("first line = %v", lines[0])
	}
	fields, _ := lines[0]["fields"].(map[string]any)
	if fields["wave"] != float64(2) {
		t.Errorf("first line fields = %v", fields)
	}
	if lines[1]["level"] != "warn" || lines[1]["msg"] != "skipped 1" {
		t.Errorf("second line = %v", lines[1])
	}
	if _, ok := lines[1]["fields"]; ok {
		t.Error("empty fields should be omitted")
	}
}

func TestLogger_SetLevel(t *testing.T) {
	tests := []struct {
		name      string
		level     LogLevel
		wantLines int
	}{
		{name: "debug keeps everything", level: LevelDebug, wantLines: 4},
		{name: "warn drops debug and info", level: LevelWarn, wantLines: 2},
		{name: "unknown level is ignored", level: "verbose", wantLines: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New("test-service")
			logger.SetOutput(&buf)
			logger.SetLevel(tt.level)

			logger.Plain().Debug("d")
			logger.Plain().Info("i")
			logger.Plain().Warn("w")
			logger.Plain().Error("e")

			if got := len(decodeLines(t, &buf)); got != tt.wantLines {
				t.Errorf("got %d lines, want %d", got, tt.wantLines)
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic or write anywhere visible.
	Discard().Plain().Error("dropped")
}

func TestSetDefaultService(t *testing.T) {
	original := Default().Service()
	defer SetDefaultService(original)

	SetDefaultService("replay-test")
	if got := Plain().Service; got != "replay-test" {
		t.Errorf("Plain().Service = %q, want %q", got, "replay-test")
	}
	if got := WithFields(map[string]any{"a": 1}).Service; got != "replay-test" {
		t.Errorf("WithFields().Service = %q, want %q", got, "replay-test")
	}
}
