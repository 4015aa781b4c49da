package otel

import (
	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// When events are emitted, it looks up the active span from the TracingHandler
// and populates the TraceID and SpanID fields on the event.
//
// While the handler runs, events carry the action span. Before the handler
// starts (and after it ends), they fall back to the call-level span. When no
// span is active, the event passes through unchanged.
func EnrichEmitter(emit dispatch.EventEmitter, tracing *TracingHandler) dispatch.EventEmitter {
	return func(e dispatch.Event) {
		if e.CallID != "" {
			sc := tracing.ActiveHandlerSpanContext(e.CallID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		// Fallback to the call-level span.
		if e.TraceID == "" && e.CallID != "" {
			sc := tracing.ActiveCallSpanContext(e.CallID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}
