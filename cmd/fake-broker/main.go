package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/austindbirch/taskreplay/internal/auth"
	"github.com/austindbirch/taskreplay/internal/broker"
	"github.com/austindbirch/taskreplay/internal/config"
	"github.com/austindbirch/taskreplay/internal/emulator"
	"github.com/austindbirch/taskreplay/internal/logging"
)

const serviceName = "taskreplay-fake-broker"

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName)

	var clientOpts []emulator.ClientOption
	if cfg.Auth.Secret != "" {
		signer, err := auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, serviceName, time.Hour)
		if err != nil {
			logger.Plain().WithError(err).Fatal("token signer")
		}
		clientOpts = append(clientOpts, emulator.WithToken(signer))
	}
	client := emulator.NewClient(cfg.FakeBroker.EmulatorURL, 10*time.Second, clientOpts...)
	b := broker.New(client, broker.ExampleRecipes(), broker.WithLogger(logger))

	var handler http.Handler = b
	if cfg.Auth.Require {
		verifier, err := auth.NewHMACVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("auth verifier")
		}
		handler = verifier.HTTPMiddleware(handler)
	}
	delay := time.Duration(cfg.FakeBroker.ResponseDelayMS) * time.Millisecond

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("/", logRequests(logger, withDelay(handler, delay)))

	logger.Plain().WithFields(map[string]any{
		"addr":     cfg.FakeBroker.Port,
		"emulator": cfg.FakeBroker.EmulatorURL,
	}).Info("fake-broker listening")
	if err := http.ListenAndServe(cfg.FakeBroker.Port, mux); err != nil {
		logger.Plain().WithError(err).Fatal("fake-broker stopped")
	}
}

// withDelay simulates a slow handler.
func withDelay(next http.Handler, d time.Duration) http.Handler {
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			http.Error(w, "request cancelled", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(b))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		entry := logger.WithContext(r.Context()).WithFields(map[string]any{
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
			"body":     truncate(string(b), 160),
		})
		if rec.status >= 400 {
			entry.Warn("fake-broker request failed")
			return
		}
		entry.Info("fake-broker request")
	})
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
