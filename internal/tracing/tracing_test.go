package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestEnabledProviderWithoutEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: true, SampleRate: 0.5, Version: "test"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTraceExport(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, span := TraceExport(context.Background(), tracer, "s3", "batch-1", 42)
	EndWithError(span, errors.New("access denied"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}

	got := spans[0]
	if got.Name() != "export" {
		t.Errorf("Expected span name export, got %s", got.Name())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", got.Status().Code)
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["batch.id"].AsString() != "batch-1" {
		t.Errorf("Expected batch.id batch-1, got %v", attrs["batch.id"])
	}
	if attrs["batch.lines"].AsInt64() != 42 {
		t.Errorf("Expected batch.lines 42, got %v", attrs["batch.lines"])
	}
}

func TestTraceFlushSuccess(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := TraceFlush(context.Background(), tp.Tracer("test"), "interval")
	EndWithError(span, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("Expected non-error status")
	}
}
