package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowbridge/broker"
)

// BrokerObserver records MCP broker signals into OpenTelemetry.
type BrokerObserver struct {
	tracer trace.Tracer

	connections metric.Int64Counter
	invocations metric.Int64Counter
	health      metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewBrokerObserver creates a broker observer bound to the provided
// meter/tracer. tracer may be nil.
func NewBrokerObserver(meter metric.Meter, tracer trace.Tracer) (*BrokerObserver, error) {
	connections, err := meter.Int64Counter(
		"flowbridge.mcp.connections",
		metric.WithDescription("Number of MCP server connection tests"),
	)
	if err != nil {
		return nil, err
	}
	invocations, err := meter.Int64Counter(
		"flowbridge.mcp.invocations",
		metric.WithDescription("Number of MCP tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	health, err := meter.Int64Counter(
		"flowbridge.mcp.health.checks",
		metric.WithDescription("Number of MCP server health checks"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"flowbridge.mcp.latency",
		metric.WithDescription("MCP round trip latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &BrokerObserver{
		tracer:      tracer,
		connections: connections,
		invocations: invocations,
		health:      health,
		latency:     latency,
	}, nil
}

// ObserveConnection records one connection test.
func (o *BrokerObserver) ObserveConnection(observation broker.ConnectionObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server_id", observation.ServerID),
		attribute.String("transport", string(observation.Transport)),
		attribute.String("status", string(observation.Status)),
		attribute.Bool("reused", observation.Reused),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.connections.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.LatencyMS), options)

	o.span(ctx, "mcp.connect", observation.ErrorCode,
		append(attrs, attribute.Int("tool_count", observation.ToolCount))...)
}

// ObserveInvoke records one invocation result.
func (o *BrokerObserver) ObserveInvoke(observation broker.InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server_id", observation.ServerID),
		attribute.String("tool_name", observation.Tool),
		attribute.String("transport", string(observation.Transport)),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.DurationMS), options)

	o.span(ctx, "mcp.invoke", observation.ErrorCode, attrs...)
}

// ObserveHealth records one scheduled health check.
func (o *BrokerObserver) ObserveHealth(observation broker.HealthObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server_id", observation.ServerID),
		attribute.String("status", string(observation.Status)),
		attribute.String("previous_status", string(observation.PreviousStatus)),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.health.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.LatencyMS), options)

	o.span(ctx, "mcp.health.check", observation.ErrorCode, attrs...)
}

func (o *BrokerObserver) span(ctx context.Context, name, errorCode string, attrs ...attribute.KeyValue) {
	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	if errorCode != "" {
		span.SetStatus(codes.Error, errorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func seconds(ms float64) float64 {
	return float64(time.Duration(ms*float64(time.Millisecond))) / float64(time.Second)
}

var _ broker.Observer = (*BrokerObserver)(nil)
