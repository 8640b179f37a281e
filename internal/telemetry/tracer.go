// Package telemetry sets up OpenTelemetry tracing for the process.
package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Option configures InitTracer.
type Option func(*options)

type options struct {
	writer   io.Writer
	syncer   bool
	disabled bool
}

// WithWriter sends spans to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithSyncExport exports each span as it ends. Tests use it to read spans
// without waiting for the batcher.
func WithSyncExport() Option {
	return func(o *options) { o.syncer = true }
}

// Disabled installs only the propagator. Spans are still created but never
// exported.
func Disabled() Option {
	return func(o *options) { o.disabled = true }
}

// InitTracer installs the global tracer provider and the W3C trace context
// propagator, and returns the provider's shutdown function.
func InitTracer(serviceName string, logger *slog.Logger, opts ...Option) (func(context.Context) error, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if o.disabled {
		logger.Info("tracing export disabled", slog.String("service", serviceName))
		return func(context.Context) error { return nil }, nil
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if o.writer != nil {
		exporterOpts = []stdouttrace.Option{stdouttrace.WithWriter(o.writer)}
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	spanProcessor := sdktrace.WithBatcher(exporter)
	if o.syncer {
		spanProcessor = sdktrace.WithSyncer(exporter)
	}
	tp := sdktrace.NewTracerProvider(
		spanProcessor,
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", serviceName))
	return tp.Shutdown, nil
}
