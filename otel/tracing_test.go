package otel_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/flowbridge/execution"
	fbotel "github.com/petal-labs/flowbridge/otel"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func hasAttr(span *tracetest.SpanStub, key, value string) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.Emit() == value {
			return true
		}
	}
	return false
}

func started(handle execution.Handle, workflow string, at time.Time) execution.Delta {
	return execution.Delta{
		Kind:   execution.DeltaStarted,
		Handle: handle,
		Time:   at,
		State:  execution.StateStarted,
		Payload: map[string]any{
			"framework": "crewai",
			"workflow":  workflow,
		},
	}
}

func finished(handle execution.Handle, state execution.State, errText string, at time.Time) execution.Delta {
	return execution.Delta{
		Kind:    execution.DeltaFinished,
		Handle:  handle,
		Time:    at,
		Elapsed: 30 * time.Millisecond,
		State:   state,
		Error:   errText,
	}
}

func TestTracingHandler_StartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(started("e1", "research", now))

	sc := h.ActiveExecutionSpanContext("e1")
	if !sc.IsValid() {
		t.Fatal("expected valid execution span context after execution.started")
	}

	h.Handle(finished("e1", execution.StateCompleted, "", now.Add(30*time.Millisecond)))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := &spans[0]
	if span.Name != "execution:research" {
		t.Errorf("span name: got %q, want %q", span.Name, "execution:research")
	}
	if !hasAttr(span, "flowbridge.execution_id", "e1") {
		t.Error("expected flowbridge.execution_id attribute")
	}
	if !hasAttr(span, "flowbridge.framework", "crewai") {
		t.Error("expected flowbridge.framework attribute")
	}
	if !hasAttr(span, "flowbridge.status", "completed") {
		t.Error("expected flowbridge.status attribute")
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("status: got %v, want Ok", span.Status.Code)
	}
	if h.ActiveExecutionSpanContext("e1").IsValid() {
		t.Error("expected execution span to be released after execution.finished")
	}
}

func TestTracingHandler_StartedUsesHandleWithoutWorkflow(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(execution.Delta{Kind: execution.DeltaStarted, Handle: "e9", Time: now})
	h.Handle(finished("e9", execution.StateCompleted, "", now))

	if findSpan(exporter.GetSpans(), "execution:e9") == nil {
		t.Fatal("expected span named after the handle")
	}
}

func TestTracingHandler_StepSpansAreChildren(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(started("e1", "research", now))
	h.Handle(stepDelta(execution.DeltaStepStarted, "e1", "collect", "researcher", now.Add(time.Millisecond)))

	sc := h.ActiveStepSpanContext("e1", "collect")
	if !sc.IsValid() {
		t.Fatal("expected valid step span context after step.started")
	}
	execSC := h.ActiveExecutionSpanContext("e1")
	if sc.TraceID() != execSC.TraceID() {
		t.Error("expected step span to share trace ID with execution span")
	}

	done := stepDelta(execution.DeltaStepFinished, "e1", "collect", "researcher", now.Add(2*time.Millisecond))
	done.Payload = map[string]any{"output": "four"}
	h.Handle(done)
	h.Handle(finished("e1", execution.StateCompleted, "", now.Add(3*time.Millisecond)))

	step := findSpan(exporter.GetSpans(), "step:collect")
	if step == nil {
		t.Fatal("did not find step:collect span")
	}
	if step.Parent.SpanID() != execSC.SpanID() {
		t.Error("expected step span parent to be the execution span")
	}
	if !hasAttr(step, "flowbridge.agent", "researcher") {
		t.Error("expected flowbridge.agent attribute on step span")
	}
	if !hasAttr(step, "flowbridge.output_bytes", "4") {
		t.Error("expected flowbridge.output_bytes attribute on step span")
	}
	if step.Status.Code != otelcodes.Ok {
		t.Errorf("step status: got %v, want Ok", step.Status.Code)
	}
}

func TestTracingHandler_StepFailedRecordsError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(started("e1", "research", now))
	h.Handle(stepDelta(execution.DeltaStepStarted, "e1", "summarise", "researcher", now))
	failed := stepDelta(execution.DeltaStepFailed, "e1", "summarise", "researcher", now.Add(time.Millisecond))
	failed.Error = "model unavailable"
	h.Handle(failed)
	h.Handle(finished("e1", execution.StateFailed, "model unavailable", now.Add(2*time.Millisecond)))

	spans := exporter.GetSpans()
	step := findSpan(spans, "step:summarise")
	if step == nil {
		t.Fatal("did not find step:summarise span")
	}
	if step.Status.Code != otelcodes.Error || step.Status.Description != "model unavailable" {
		t.Errorf("step status: got %v %q", step.Status.Code, step.Status.Description)
	}
	if len(step.Events) == 0 || step.Events[0].Name != "exception" {
		t.Error("expected an exception event on the failed step")
	}

	root := findSpan(spans, "execution:research")
	if root == nil {
		t.Fatal("did not find execution span")
	}
	if root.Status.Code != otelcodes.Error {
		t.Errorf("execution status: got %v, want Error", root.Status.Code)
	}
}

func TestTracingHandler_FinishedEndsOrphanedSteps(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(started("e1", "research", now))
	h.Handle(stepDelta(execution.DeltaStepStarted, "e1", "collect", "researcher", now))
	h.Handle(execution.Delta{Kind: execution.DeltaStopRequested, Handle: "e1", Time: now})
	h.Handle(finished("e1", execution.StateStopped, "", now.Add(time.Millisecond)))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	step := findSpan(spans, "step:collect")
	if step == nil || step.Status.Code != otelcodes.Error {
		t.Fatal("expected orphaned step span to end with error status")
	}
	root := findSpan(spans, "execution:research")
	if root == nil {
		t.Fatal("did not find execution span")
	}
	if root.Status.Code != otelcodes.Ok {
		t.Errorf("a stopped execution is not an error, got %v", root.Status.Code)
	}
	if len(root.Events) != 1 || root.Events[0].Name != string(execution.DeltaStopRequested) {
		t.Errorf("expected stop request event, got %+v", root.Events)
	}
}

func TestTracingHandler_UnknownHandlesAreIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(stepDelta(execution.DeltaStepFinished, "ghost", "x", "a", time.Now()))
	h.Handle(finished("ghost", execution.StateCompleted, "", time.Now()))

	if n := len(exporter.GetSpans()); n != 0 {
		t.Fatalf("expected no spans, got %d", n)
	}
}
