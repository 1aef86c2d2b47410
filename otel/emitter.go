package otel

import (
	"maps"

	"github.com/petal-labs/flowbridge/execution"
)

// EnrichPublisher feeds every delta to tracing and forwards it to next with
// the trace context of its span in Payload["trace_id"] and
// Payload["span_id"].
//
// Opening deltas are enriched after their span starts and closing deltas
// before their span ends, so both ends of a step carry the step span. Other
// deltas fall back to the execution span. When no span is active the delta
// passes through unchanged. The payload is copied, never mutated.
func EnrichPublisher(next execution.Publisher, tracing *TracingHandler) execution.Publisher {
	return execution.PublisherFunc(func(d execution.Delta) {
		opening := d.Kind == execution.DeltaStarted || d.Kind == execution.DeltaStepStarted
		if opening {
			tracing.Handle(d)
		}
		enriched := enrich(d, tracing)
		if !opening {
			tracing.Handle(d)
		}
		if next != nil {
			next.Publish(enriched)
		}
	})
}

func enrich(d execution.Delta, tracing *TracingHandler) execution.Delta {
	sc := tracing.ActiveExecutionSpanContext(d.Handle)
	if d.Step != "" {
		if step := tracing.ActiveStepSpanContext(d.Handle, d.Step); step.IsValid() {
			sc = step
		}
	}
	if !sc.IsValid() {
		return d
	}
	payload := make(map[string]any, len(d.Payload)+2)
	maps.Copy(payload, d.Payload)
	payload["trace_id"] = sc.TraceID().String()
	payload["span_id"] = sc.SpanID().String()
	d.Payload = payload
	return d
}

// Fanout publishes each delta to every publisher in order.
func Fanout(publishers ...execution.Publisher) execution.Publisher {
	return execution.PublisherFunc(func(d execution.Delta) {
		for _, p := range publishers {
			if p != nil {
				p.Publish(d)
			}
		}
	})
}
