// Package telemetry installs the OpenTelemetry trace provider used by the
// relay pipeline.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/config"
)

const defaultServiceName = "dmrelay"

// ShutdownFunc flushes and stops the trace pipeline.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a global OTLP/HTTP trace provider when telemetry is enabled.
// When disabled it leaves the global no-op provider in place.
func Setup(ctx context.Context, cfg config.TelemetryConfig, log *slog.Logger) (ShutdownFunc, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "telemetry")

	if !cfg.Enabled {
		log.Debug("Tracing disabled")
		return noopShutdown, nil
	}

	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return noopShutdown, err
	}
	otel.SetTracerProvider(provider)

	log.Info("Tracing enabled", "endpoint", cfg.Endpoint, "service", serviceName(cfg))
	return provider.Shutdown, nil
}

// NewProvider builds a batching trace provider exporting over OTLP/HTTP.
func NewProvider(ctx context.Context, cfg config.TelemetryConfig) (*sdktrace.TracerProvider, error) {
	opts := make([]otlptracehttp.Option, 0, 3)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		if strings.Contains(endpoint, "://") {
			opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName(cfg)))),
	), nil
}

func serviceName(cfg config.TelemetryConfig) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}

	return defaultServiceName
}
