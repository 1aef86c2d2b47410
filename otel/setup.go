package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/petal-labs/flowbridge"

// Config configures the telemetry providers.
type Config struct {
	ServiceName string
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export;
	// spans are still created so trace ids appear in deltas.
	Endpoint string
	URLPath  string
	Insecure bool

	// MetricReader collects metrics. Nil leaves metrics unexported.
	MetricReader sdkmetric.Reader
	// SpanExporter overrides the OTLP exporter.
	SpanExporter sdktrace.SpanExporter
}

// Provider bundles the tracer and meter providers built by Setup.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Setup builds tracer and meter providers for cfg.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "flowbridge"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter := cfg.SpanExporter
	if exporter == nil && cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.URLPath != "" {
			opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		var err error
		exporter, err = otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		metricOpts = append(metricOpts, sdkmetric.WithReader(cfg.MetricReader))
	}

	return &Provider{
		tp: sdktrace.NewTracerProvider(traceOpts...),
		mp: sdkmetric.NewMeterProvider(metricOpts...),
	}, nil
}

// Tracer returns the flowbridge tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tp.Tracer(instrumentationName) }

// Meter returns the flowbridge meter.
func (p *Provider) Meter() metric.Meter { return p.mp.Meter(instrumentationName) }

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
