package otel_test

import (
	"testing"
	"time"

	"github.com/petal-labs/flowbridge/execution"
	fbotel "github.com/petal-labs/flowbridge/otel"
)

type recordingPublisher struct {
	deltas []execution.Delta
}

func (p *recordingPublisher) Publish(d execution.Delta) { p.deltas = append(p.deltas, d) }

func (p *recordingPublisher) find(kind execution.DeltaKind) execution.Delta {
	for _, d := range p.deltas {
		if d.Kind == kind {
			return d
		}
	}
	return execution.Delta{}
}

func TestEnrichPublisher_StepDeltasCarryStepSpan(t *testing.T) {
	_, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))
	rec := &recordingPublisher{}
	pub := fbotel.EnrichPublisher(rec, h)

	now := time.Now()
	pub.Publish(started("e1", "research", now))
	execSC := h.ActiveExecutionSpanContext("e1")
	if !execSC.IsValid() {
		t.Fatal("expected the publisher to start the execution span")
	}

	pub.Publish(stepDelta(execution.DeltaStepStarted, "e1", "collect", "researcher", now))
	stepSC := h.ActiveStepSpanContext("e1", "collect")
	if !stepSC.IsValid() {
		t.Fatal("expected the publisher to start the step span")
	}
	pub.Publish(stepDelta(execution.DeltaStepFinished, "e1", "collect", "researcher", now))

	if got := rec.find(execution.DeltaStarted).Payload["trace_id"]; got != execSC.TraceID().String() {
		t.Errorf("started trace_id: got %v, want %s", got, execSC.TraceID())
	}
	for _, kind := range []execution.DeltaKind{execution.DeltaStepStarted, execution.DeltaStepFinished} {
		d := rec.find(kind)
		if d.Payload["span_id"] != stepSC.SpanID().String() {
			t.Errorf("%s span_id: got %v, want %s", kind, d.Payload["span_id"], stepSC.SpanID())
		}
	}
	if h.ActiveStepSpanContext("e1", "collect").IsValid() {
		t.Error("expected step span to end after step.finished")
	}
}

func TestEnrichPublisher_TerminalDeltaCarriesExecutionSpan(t *testing.T) {
	_, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))
	rec := &recordingPublisher{}
	pub := fbotel.EnrichPublisher(rec, h)

	now := time.Now()
	pub.Publish(started("e1", "research", now))
	execSC := h.ActiveExecutionSpanContext("e1")
	pub.Publish(finished("e1", execution.StateCompleted, "", now))

	d := rec.find(execution.DeltaFinished)
	if d.Payload["span_id"] != execSC.SpanID().String() {
		t.Errorf("finished span_id: got %v, want %s", d.Payload["span_id"], execSC.SpanID())
	}
}

func TestEnrichPublisher_PassthroughWhenNoSpanActive(t *testing.T) {
	_, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))
	rec := &recordingPublisher{}
	pub := fbotel.EnrichPublisher(rec, h)

	pub.Publish(execution.Delta{Kind: execution.DeltaRunning, Handle: "ghost"})

	if len(rec.deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(rec.deltas))
	}
	if rec.deltas[0].Payload != nil {
		t.Errorf("expected payload untouched, got %v", rec.deltas[0].Payload)
	}
}

func TestEnrichPublisher_DoesNotMutatePayload(t *testing.T) {
	_, tp := newTestTracer()
	h := fbotel.NewTracingHandler(tp.Tracer("test"))
	rec := &recordingPublisher{}
	pub := fbotel.EnrichPublisher(rec, h)

	now := time.Now()
	pub.Publish(started("e1", "research", now))

	payload := map[string]any{"output": "done"}
	d := stepDelta(execution.DeltaStepStarted, "e1", "collect", "researcher", now)
	d.Payload = payload
	pub.Publish(d)

	if _, ok := payload["trace_id"]; ok {
		t.Error("caller payload was mutated")
	}
	got := rec.find(execution.DeltaStepStarted)
	if got.Payload["output"] != "done" {
		t.Errorf("existing payload lost: %v", got.Payload)
	}
}

func TestFanoutPublishesInOrder(t *testing.T) {
	var order []string
	first := execution.PublisherFunc(func(execution.Delta) { order = append(order, "first") })
	second := execution.PublisherFunc(func(execution.Delta) { order = append(order, "second") })

	fbotel.Fanout(first, nil, second).Publish(execution.Delta{Kind: execution.DeltaRunning})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order %v", order)
	}
}
