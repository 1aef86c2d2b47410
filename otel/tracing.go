// Package otel provides OpenTelemetry integration for execution deltas and
// MCP broker activity.
package otel

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowbridge/execution"
)

// TracingHandler translates execution deltas into OpenTelemetry spans. It
// keeps one root span per execution and one child span per running step.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	execSpans map[execution.Handle]trace.Span
	execCtxs  map[execution.Handle]context.Context
	stepSpans map[string]trace.Span // handle:step -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		execSpans: make(map[execution.Handle]trace.Span),
		execCtxs:  make(map[execution.Handle]context.Context),
		stepSpans: make(map[string]trace.Span),
	}
}

// Handle processes a delta and creates or ends spans accordingly.
func (h *TracingHandler) Handle(d execution.Delta) {
	switch d.Kind {
	case execution.DeltaStarted:
		h.handleStarted(d)
	case execution.DeltaStepStarted:
		h.handleStepStarted(d)
	case execution.DeltaStepFinished:
		h.endStep(d, codes.Ok, "")
	case execution.DeltaStepFailed:
		h.endStep(d, codes.Error, d.Error)
	case execution.DeltaStopRequested:
		h.handleStopRequested(d)
	case execution.DeltaFinished:
		h.handleFinished(d)
	}
}

// Publish lets the handler sit directly behind a tracker.
func (h *TracingHandler) Publish(d execution.Delta) { h.Handle(d) }

func (h *TracingHandler) handleStarted(d execution.Delta) {
	workflow, _ := d.Payload["workflow"].(string)
	framework, _ := d.Payload["framework"].(string)

	spanName := "execution:" + string(d.Handle)
	if workflow != "" {
		spanName = "execution:" + workflow
	}

	attrs := []attribute.KeyValue{attribute.String("flowbridge.execution_id", string(d.Handle))}
	if workflow != "" {
		attrs = append(attrs, attribute.String("flowbridge.workflow", workflow))
	}
	if framework != "" {
		attrs = append(attrs, attribute.String("flowbridge.framework", framework))
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(d.Time),
	)

	h.mu.Lock()
	h.execSpans[d.Handle] = span
	h.execCtxs[d.Handle] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleStepStarted(d execution.Delta) {
	h.mu.RLock()
	parentCtx, ok := h.execCtxs[d.Handle]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("flowbridge.execution_id", string(d.Handle)),
		attribute.String("flowbridge.step", d.Step),
	}
	if d.Agent != nil {
		attrs = append(attrs, attribute.String("flowbridge.agent", d.Agent.Name))
	}

	_, span := h.tracer.Start(parentCtx, "step:"+d.Step,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(d.Time),
	)

	h.mu.Lock()
	h.stepSpans[stepKey(d)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endStep(d execution.Delta, code codes.Code, msg string) {
	key := stepKey(d)
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if code == codes.Error {
		if msg == "" {
			msg = "unknown error"
		}
		span.RecordError(spanError(msg), trace.WithTimestamp(d.Time))
	}
	if out, ok := d.Payload["output"].(string); ok {
		span.SetAttributes(attribute.Int("flowbridge.output_bytes", len(out)))
	}
	span.SetAttributes(attribute.Float64("flowbridge.progress", d.Progress))
	span.SetStatus(code, msg)
	span.End(trace.WithTimestamp(d.Time))
}

func (h *TracingHandler) handleStopRequested(d execution.Delta) {
	h.mu.RLock()
	span, ok := h.execSpans[d.Handle]
	h.mu.RUnlock()
	if ok {
		span.AddEvent(string(d.Kind), trace.WithTimestamp(d.Time))
	}
}

func (h *TracingHandler) handleFinished(d execution.Delta) {
	prefix := string(d.Handle) + ":"

	h.mu.Lock()
	span, ok := h.execSpans[d.Handle]
	delete(h.execSpans, d.Handle)
	delete(h.execCtxs, d.Handle)
	var orphans []trace.Span
	for key, s := range h.stepSpans {
		if strings.HasPrefix(key, prefix) {
			orphans = append(orphans, s)
			delete(h.stepSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.SetStatus(codes.Error, "execution "+string(d.State))
		s.End(trace.WithTimestamp(d.Time))
	}
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("flowbridge.duration", d.Elapsed.String()),
		attribute.String("flowbridge.status", string(d.State)),
	)
	if d.State == execution.StateFailed {
		msg := d.Error
		if msg == "" {
			msg = "execution failed"
		}
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(d.Time))
}

// ActiveStepSpanContext returns the SpanContext of the running step
// identified by handle and step, or an empty SpanContext.
func (h *TracingHandler) ActiveStepSpanContext(handle execution.Handle, step string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.stepSpans[string(handle)+":"+step]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveExecutionSpanContext returns the SpanContext of the execution's
// root span, or an empty SpanContext.
func (h *TracingHandler) ActiveExecutionSpanContext(handle execution.Handle) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.execSpans[handle]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

type spanError string

func (e spanError) Error() string { return string(e) }
