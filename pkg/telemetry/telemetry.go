// Package telemetry provides OpenTelemetry distributed tracing for
// Quarry. It instruments the retrieval pipeline with spans for each
// stage, supports W3C Trace Context propagation, and exports to OTLP
// or stdout.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quarrylabs/quarry/pkg/config"
)

const tracerName = "github.com/quarrylabs/quarry"

// Provider wraps the OTEL TracerProvider and exposes Quarry-specific
// span helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg config.TracingConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tracer: noop.NewTracerProvider().Tracer(tracerName),
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return &Provider{
			tracer: noop.NewTracerProvider().Tracer(tracerName),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("quarry"),
			semconv.ServiceVersion(version),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the Quarry tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers for pipeline stages ---

// StartRequest creates a root span for an incoming MCP method call.
func (p *Provider) StartRequest(ctx context.Context, method string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "quarry.request",
		trace.WithAttributes(attribute.String("quarry.method", method)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartEmbedding creates a span for the query embedding stage.
func (p *Provider) StartEmbedding(ctx context.Context, model string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "quarry.embedding",
		trace.WithAttributes(attribute.String("quarry.embedding.model", model)),
	)
}

// StartVectorSearch creates a span for the vector candidate stage.
func (p *Provider) StartVectorSearch(ctx context.Context, k int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "quarry.vector_search",
		trace.WithAttributes(attribute.Int("quarry.search.k", k)),
	)
}

// StartKeywordSearch creates a span for the lexical candidate stage.
func (p *Provider) StartKeywordSearch(ctx context.Context, k int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "quarry.keyword_search",
		trace.WithAttributes(attribute.Int("quarry.search.k", k)),
	)
}

// StartMerge creates a span for dedup + context merge + small-doc
// packing.
func (p *Provider) StartMerge(ctx context.Context, candidateCount int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "quarry.merge",
		trace.WithAttributes(attribute.Int("quarry.merge.candidate_count", candidateCount)),
	)
}

// StartRerank creates a span for the rerank stage.
func (p *Provider) StartRerank(ctx context.Context, docCount, topN int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "quarry.rerank",
		trace.WithAttributes(
			attribute.Int("quarry.rerank.doc_count", docCount),
			attribute.Int("quarry.rerank.top_n", topN),
		),
	)
}

// StartPageFetch creates a span for a page fetch by URL.
func (p *Provider) StartPageFetch(ctx context.Context, url string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "quarry.page_fetch",
		trace.WithAttributes(attribute.String("quarry.page.url", url)),
	)
}

// RecordResult adds result attributes to a span.
func RecordResult(span trace.Span, inputCount, outputCount int, latency time.Duration) {
	span.SetAttributes(
		attribute.Int("quarry.result.input_count", inputCount),
		attribute.Int("quarry.result.output_count", outputCount),
		attribute.Int64("quarry.result.latency_ms", latency.Milliseconds()),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
