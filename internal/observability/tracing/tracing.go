// Package tracing configures OpenTelemetry tracing for the host. Tracing is
// opt-in: without OTEL_EXPORTER_OTLP_ENDPOINT set, Tracer returns spans from
// the default no-op provider so instrumentation is free to call unconditionally.
package tracing

import (
	"context"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	once     sync.Once
	provider oteltrace.TracerProvider = otel.GetTracerProvider()
)

// Init configures the global tracer provider from OTEL_EXPORTER_OTLP_ENDPOINT,
// if set. Safe to call multiple times; only the first call takes effect.
// Returns a shutdown func that flushes and closes the exporter.
func Init(ctx context.Context, serviceName string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }
	}

	var shutdown func(context.Context) error
	once.Do(func() {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint))
		if err != nil {
			shutdown = func(context.Context) error { return nil }
			return
		}

		res, _ := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		))

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider = tp
		shutdown = tp.Shutdown
	})
	if shutdown == nil {
		shutdown = func(context.Context) error { return nil }
	}
	return shutdown
}

// Tracer returns a named tracer from the configured provider.
func Tracer(name string) oteltrace.Tracer {
	return provider.Tracer(name)
}
