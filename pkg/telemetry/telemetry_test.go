package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quarrylabs/quarry/pkg/config"
)

func TestInit_Disabled(t *testing.T) {
	cfg := config.TracingConfig{Enabled: false}

	p, err := Init(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if p.Tracer() == nil {
		t.Fatal("tracer should not be nil even when disabled")
	}

	// Should create no-op spans without error
	ctx, span := p.StartRequest(context.Background(), "tools/call")
	if ctx == nil {
		t.Fatal("context should not be nil")
	}
	span.End()
}

func TestInit_ExporterNone(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "none"}

	p, err := Init(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if p.Tracer() == nil {
		t.Fatal("tracer should not be nil")
	}
}

func TestInit_ExporterStdout(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SampleRate: 1.0}

	p, err := Init(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if p.tp == nil {
		t.Fatal("TracerProvider should not be nil for stdout exporter")
	}
}

func TestInit_InvalidExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "invalid"}

	_, err := Init(context.Background(), cfg, "test")
	if err == nil {
		t.Fatal("expected error for invalid exporter")
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	p := &Provider{
		tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown should not error on nil provider: %v", err)
	}
}

func TestSpanHelpers(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SampleRate: 1.0}

	p, err := Init(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx := context.Background()

	// All span helpers should work without panicking
	tests := []struct {
		name string
		fn   func() (context.Context, trace.Span)
	}{
		{"StartRequest", func() (context.Context, trace.Span) { return p.StartRequest(ctx, "tools/call") }},
		{"StartEmbedding", func() (context.Context, trace.Span) { return p.StartEmbedding(ctx, "qwen3-embedding") }},
		{"StartVectorSearch", func() (context.Context, trace.Span) { return p.StartVectorSearch(ctx, 20) }},
		{"StartKeywordSearch", func() (context.Context, trace.Span) { return p.StartKeywordSearch(ctx, 20) }},
		{"StartMerge", func() (context.Context, trace.Span) { return p.StartMerge(ctx, 40) }},
		{"StartRerank", func() (context.Context, trace.Span) { return p.StartRerank(ctx, 12, 5) }},
		{"StartPageFetch", func() (context.Context, trace.Span) { return p.StartPageFetch(ctx, "https://docs.example.com/guide") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, span := tt.fn()
			if c == nil {
				t.Error("context should not be nil")
			}
			if span == nil {
				t.Error("span should not be nil")
			}
			span.End()
		})
	}
}

func TestRecordResult(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SampleRate: 1.0}

	p, err := Init(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, span := p.StartRequest(context.Background(), "tools/call")
	// Should not panic
	RecordResult(span, 40, 5, 120*time.Millisecond)
	span.End()
}

func TestRecordError(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SampleRate: 1.0}

	p, err := Init(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, span := p.StartRequest(context.Background(), "tools/call")
	RecordError(span, fmt.Errorf("test error"))
	span.End()
}
