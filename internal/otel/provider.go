// Package otel initializes the OpenTelemetry tracer provider spans are
// exported with.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/amorenoz/packet-tracer/internal/config"
)

// InitProvider creates a tracer provider exporting to the configured OTLP/HTTP
// endpoint. The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, version string, log zerolog.Logger) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := cfg.Endpoint()
	log.Info().
		Str("service", cfg.ServiceName).
		Str("endpoint", endpoint).
		Str("resource_attributes", cfg.ResourceAttributes).
		Msg("Exporting spans over OTLP/HTTP")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return NewProvider(ctx, cfg, version, sdktrace.WithBatcher(exporter))
}

// NewProvider creates a tracer provider with the service resource, the
// IDGenerator and the given span processors or exporters.
func NewProvider(ctx context.Context, cfg *config.OTELConfig, version string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	resourceAttrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	}
	if customAttrs := cfg.Resource(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts = append(opts, sdktrace.WithResource(res), sdktrace.WithIDGenerator(IDGenerator{}))
	return sdktrace.NewTracerProvider(opts...), nil
}

// ShutdownProvider flushes the remaining spans and stops the provider.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
