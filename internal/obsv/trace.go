package obsv

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures the OTLP exporter the ingest→buffer→route→spawn
// path reports spans through. OTELExporterEndpoint mirrors the
// OTEL_EXPORTER_OTLP_ENDPOINT convention named in SPEC_FULL.md §6.6; an
// empty endpoint disables tracing and InitTracing returns a no-op shutdown.
type TraceConfig struct {
	ServiceName         string
	OTELExporterEndpoint string
}

// InitTracing installs a global TracerProvider exporting spans via OTLP/HTTP
// when cfg.OTELExporterEndpoint is set, or a no-op provider otherwise.
// Returns a shutdown func to flush and stop the exporter on process exit.
func InitTracing(ctx context.Context, cfg TraceConfig) (shutdown func(context.Context) error, err error) {
	if cfg.OTELExporterEndpoint == "" {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTELExporterEndpoint))
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// TraceConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT per SPEC_FULL.md §6.6.
func TraceConfigFromEnv(serviceName string) TraceConfig {
	return TraceConfig{
		ServiceName:          serviceName,
		OTELExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

var tracer = otel.Tracer("github.com/codeready-toolchain/butlerfleet")

// StartSpan starts a span named name and returns the derived context plus a
// trace ID string suitable for Session.trace_id. When tracing is disabled
// (no-op provider), the returned trace ID is empty.
func StartSpan(ctx context.Context, name string) (context.Context, string, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	return ctx, traceID, span
}
