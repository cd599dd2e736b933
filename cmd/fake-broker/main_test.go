package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/taskreplay/internal/logging"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		n        int
		expected string
	}{
		{name: "shorter than limit", input: "hello", n: 10, expected: "hello"},
		{name: "exactly at limit", input: "hello", n: 5, expected: "hello"},
		{name: "longer than limit", input: "hello world", n: 5, expected: "hello..."},
		{name: "empty string", input: "", n: 5, expected: ""},
		{name: "zero limit", input: "hello", n: 0, expected: "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.input, tt.n); got != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.expected)
			}
		})
	}
}

func TestWithDelay(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	t.Run("zero delay returns the handler", func(t *testing.T) {
		w := httptest.NewRecorder()
		withDelay(ok, 0).ServeHTTP(w, httptest.NewRequest("POST", "/message", nil))
		if w.Code != http.StatusTeapot {
			t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
		}
	})

	t.Run("delays the response", func(t *testing.T) {
		w := httptest.NewRecorder()
		start := time.Now()
		withDelay(ok, 20*time.Millisecond).ServeHTTP(w, httptest.NewRequest("POST", "/message", nil))
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Errorf("elapsed = %v, want at least 20ms", elapsed)
		}
		if w.Code != http.StatusTeapot {
			t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
		}
	})

	t.Run("cancelled request", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w := httptest.NewRecorder()
		withDelay(ok, time.Minute).ServeHTTP(w, httptest.NewRequest("POST", "/message", nil).WithContext(ctx))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestLogRequests(t *testing.T) {
	var out bytes.Buffer
	logger := logging.New(serviceName)
	logger.SetOutput(&out)

	var seen string
	h := logRequests(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/message", strings.NewReader(`{"a":1}`)))

	if seen != `{"a":1}` {
		t.Errorf("handler saw body %q, want the original body", seen)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, out.String())
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v, want warn", entry["level"])
	}
	fields, _ := entry["fields"].(map[string]any)
	if fields["status"] != float64(http.StatusInternalServerError) {
		t.Errorf("status field = %v, want 500", fields["status"])
	}
}
