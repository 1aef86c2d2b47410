package otel

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/flowbridge/execution"
)

// MetricsHandler translates execution deltas into OpenTelemetry metrics.
// It records counters and histograms for step executions, failures and
// execution durations.
type MetricsHandler struct {
	stepExecutions metric.Int64Counter
	stepFailures   metric.Int64Counter
	stepDuration   metric.Float64Histogram
	executions     metric.Int64Counter
	execDuration   metric.Float64Histogram

	mu         sync.Mutex
	stepStarts map[string]time.Time // handle:step -> start
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stepExec, err := meter.Int64Counter("flowbridge.step.executions",
		metric.WithDescription("Number of finished steps"),
	)
	if err != nil {
		return nil, err
	}

	stepFail, err := meter.Int64Counter("flowbridge.step.failures",
		metric.WithDescription("Number of failed steps"),
	)
	if err != nil {
		return nil, err
	}

	stepDur, err := meter.Float64Histogram("flowbridge.step.duration",
		metric.WithDescription("Duration of a step in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	executions, err := meter.Int64Counter("flowbridge.executions",
		metric.WithDescription("Number of executions that reached a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	execDur, err := meter.Float64Histogram("flowbridge.execution.duration",
		metric.WithDescription("Duration of a workflow execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepExecutions: stepExec,
		stepFailures:   stepFail,
		stepDuration:   stepDur,
		executions:     executions,
		execDuration:   execDur,
		stepStarts:     make(map[string]time.Time),
	}, nil
}

// Handle processes a delta and records the matching metrics.
func (h *MetricsHandler) Handle(d execution.Delta) {
	switch d.Kind {
	case execution.DeltaStepStarted:
		h.mu.Lock()
		h.stepStarts[stepKey(d)] = d.Time
		h.mu.Unlock()
	case execution.DeltaStepFinished:
		h.handleStepFinished(d)
	case execution.DeltaStepFailed:
		h.handleStepFailed(d)
	case execution.DeltaFinished:
		h.handleFinished(d)
	}
}

// Publish lets the handler sit directly behind a tracker.
func (h *MetricsHandler) Publish(d execution.Delta) { h.Handle(d) }

func (h *MetricsHandler) handleStepFinished(d execution.Delta) {
	ctx := context.Background()
	attrs := metric.WithAttributes(stepAttrs(d)...)
	h.stepExecutions.Add(ctx, 1, attrs)
	if started, ok := h.takeStart(d); ok {
		h.stepDuration.Record(ctx, d.Time.Sub(started).Seconds(), attrs)
	}
}

func (h *MetricsHandler) handleStepFailed(d execution.Delta) {
	h.takeStart(d)
	h.stepFailures.Add(context.Background(), 1, metric.WithAttributes(stepAttrs(d)...))
}

func (h *MetricsHandler) handleFinished(d execution.Delta) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", string(d.State)))
	h.executions.Add(ctx, 1, attrs)
	h.execDuration.Record(ctx, d.Elapsed.Seconds(), attrs)

	prefix := string(d.Handle) + ":"
	h.mu.Lock()
	for key := range h.stepStarts {
		if strings.HasPrefix(key, prefix) {
			delete(h.stepStarts, key)
		}
	}
	h.mu.Unlock()
}

func (h *MetricsHandler) takeStart(d execution.Delta) (time.Time, bool) {
	key := stepKey(d)
	h.mu.Lock()
	defer h.mu.Unlock()
	started, ok := h.stepStarts[key]
	delete(h.stepStarts, key)
	return started, ok
}

func stepKey(d execution.Delta) string {
	return string(d.Handle) + ":" + d.Step
}

func stepAttrs(d execution.Delta) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("step", d.Step)}
	if d.Agent != nil {
		attrs = append(attrs, attribute.String("agent", d.Agent.Name))
	}
	return attrs
}
