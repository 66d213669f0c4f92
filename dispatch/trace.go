package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceContext records the W3C Trace Context of ctx on the task so the
// consuming worker can continue the trace.
func InjectTraceContext(ctx context.Context, t *Task) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	t.TraceParent = carrier["traceparent"]
	t.TraceState = carrier["tracestate"]
	t.Baggage = carrier["baggage"]
}

// ExtractTraceContext returns a context carrying the trace recorded on the
// task. A task without trace fields yields the input ctx unchanged.
func ExtractTraceContext(ctx context.Context, t *Task) context.Context {
	if t.TraceParent == "" && t.TraceState == "" && t.Baggage == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if t.TraceParent != "" {
		carrier["traceparent"] = t.TraceParent
	}
	if t.TraceState != "" {
		carrier["tracestate"] = t.TraceState
	}
	if t.Baggage != "" {
		carrier["baggage"] = t.Baggage
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
