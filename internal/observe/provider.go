package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the global telemetry providers.
type ProviderConfig struct {
	// ServiceName appears as service.name on every metric and span.
	// Defaults to "voxweave".
	ServiceName string

	// ServiceVersion appears as service.version. Usually the build stamp.
	ServiceVersion string

	// TraceExporter, when set, receives finished spans in batches. Left
	// nil, spans stay in-process; metrics work either way.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the metric and trace providers as the OTel
// globals. Metrics flow through a Prometheus reader, so the scrape
// endpoint needs no extra plumbing beyond promhttp.
//
// The returned function flushes and shuts both providers down; defer it
// from main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "voxweave"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	reader, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(meters)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	traces := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(traces)

	return func(ctx context.Context) error {
		return errors.Join(meters.Shutdown(ctx), traces.Shutdown(ctx))
	}, nil
}
