// Package telemetry wires up OpenTelemetry tracing for a pull run.
//
// Spans are opt-in: Setup installs a real OTLP-over-HTTP exporter only when
// OTEL_EXPORTER_OTLP_ENDPOINT is set in the environment, matching spec.md
// §6's "Environment: None required" — tracing must never become a hard
// dependency of a plain local pull. With no endpoint configured, Setup
// leaves the process on otel's built-in no-op TracerProvider, so every
// tracer.Start call in internal/orchestrator, and every span of the otelhttp
// transport in internal/registry, is cheap and harmless.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Shutdown flushes and tears down the tracer provider installed by Setup.
// It is always safe to call, including when Setup never installed an SDK
// provider.
type Shutdown func(context.Context) error

var noopShutdown Shutdown = func(context.Context) error { return nil }

// Setup installs a TracerProvider for serviceName and returns a Shutdown to
// call before the process exits. When OTEL_EXPORTER_OTLP_ENDPOINT is unset,
// Setup does nothing and returns a no-op Shutdown.
func Setup(ctx context.Context, serviceName string) (Shutdown, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return noopShutdown, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return noopShutdown, err
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return noopShutdown, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
