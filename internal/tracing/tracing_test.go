package tracing

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with SERVICE_VERSION not set", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)

			if result := getVersion(); result != tt.expected {
				t.Errorf("getVersion() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{name: "with HOSTNAME set", hostnameEnv: "replay-01", expected: "replay-01"},
		{name: "with POD_NAME set (no HOSTNAME)", podNameEnv: "replay-emulator-abc123", expected: "replay-emulator-abc123"},
		{name: "HOSTNAME takes precedence", hostnameEnv: "replay-01", podNameEnv: "replay-emulator-abc123", expected: "replay-01"},
		{name: "with neither set", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostnameEnv)
			t.Setenv("POD_NAME", tt.podNameEnv)

			if result := getInstanceID(); result != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with http:// prefix", envValue: "http://tempo:4318", expected: "tempo:4318"},
		{name: "with https:// prefix", envValue: "https://tempo:4318", expected: "tempo:4318"},
		{name: "without protocol prefix", envValue: "tempo:4318", expected: "tempo:4318"},
		{name: "trailing slash", envValue: "http://collector:4318/", expected: "collector:4318"},
		{name: "unset disables export", envValue: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)

			if result := getOTLPEndpoint(); result != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	shutdown, err := InitTracing(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown")
	}
	shutdown()
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "replay.dispatch",
		attribute.String("routing_key", "sequence.a.b"),
		attribute.Int("wave", 1),
	)
	AddSpanEvent(ctx, "envelope.built")
	SetSpanError(ctx, errors.New("handler exploded"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "replay.dispatch" {
		t.Errorf("span name = %q, want %q", got.Name, "replay.dispatch")
	}
	if len(got.Attributes) != 2 {
		t.Errorf("span attributes = %v, want 2", got.Attributes)
	}
	if len(got.Events) < 1 || got.Events[0].Name != "envelope.built" {
		t.Errorf("span events = %v", got.Events)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", got.Status.Code)
	}
}

func TestGetTraceAndSpanID(t *testing.T) {
	setupTestTracer(t)

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID(background) = %q, want empty", id)
	}
	if id := GetSpanID(context.Background()); id != "" {
		t.Errorf("GetSpanID(background) = %q, want empty", id)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", id)
	}
	if id := GetSpanID(ctx); len(id) != 16 {
		t.Errorf("GetSpanID() = %q, want 16 hex chars", id)
	}
}

func TestInjectExtractTrace(t *testing.T) {
	setupTestTracer(t)

	if headers := InjectTrace(context.Background()); headers != nil {
		t.Errorf("InjectTrace(background) = %v, want nil", headers)
	}

	ctx, span := StartSpan(context.Background(), "producer")
	defer span.End()

	headers := InjectTrace(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("InjectTrace() = %v, want traceparent", headers)
	}

	restored := ExtractTrace(context.Background(), headers)
	_, child := StartSpan(restored, "consumer")
	defer child.End()

	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Errorf("extracted trace id = %s, want %s", child.SpanContext().TraceID(), span.SpanContext().TraceID())
	}

	base := context.Background()
	if ExtractTrace(base, nil) != base {
		t.Error("ExtractTrace(nil headers) should return the context unchanged")
	}
}
