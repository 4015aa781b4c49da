// Package otel provides OpenTelemetry integration for dispatch events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// TracingHandler translates dispatch events into OpenTelemetry spans. Each
// call gets a root span covering its whole lifetime and a child span
// covering handler execution; both are created and ended by event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	callSpans    map[string]trace.Span      // callID -> call span
	callCtxs     map[string]context.Context // callID -> context (for child spans)
	handlerSpans map[string]trace.Span      // callID -> handler span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from dispatch events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		callSpans:    make(map[string]trace.Span),
		callCtxs:     make(map[string]context.Context),
		handlerSpans: make(map[string]trace.Span),
	}
}

// Handle processes a dispatch event and creates or ends spans accordingly.
// It implements dispatch.EventHandler semantics.
func (h *TracingHandler) Handle(e dispatch.Event) {
	switch e.Kind {
	case dispatch.EventCallReceived:
		h.handleReceived(e)
	case dispatch.EventCallQueued:
		h.handleQueued(e)
	case dispatch.EventCallStarted:
		h.handleStarted(e)
	case dispatch.EventCallProgress:
		h.handleProgress(e)
	case dispatch.EventCallTruncated:
		h.handleTruncated(e)
	case dispatch.EventCallRejected:
		h.handleRejected(e)
	case dispatch.EventCallFailed:
		h.handleFailed(e)
	case dispatch.EventCallFinished:
		h.handleFinished(e)
	}
}

// handleReceived creates the root span for the call.
func (h *TracingHandler) handleReceived(e dispatch.Event) {
	ctx, span := h.tracer.Start(context.Background(), "call:"+e.Tool,
		trace.WithAttributes(
			attribute.String("fusion.call_id", e.CallID),
			attribute.String("fusion.tool", e.Tool),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.callSpans[e.CallID] = span
	h.callCtxs[e.CallID] = ctx
	h.mu.Unlock()
}

// handleQueued marks the admission wait on the call span.
func (h *TracingHandler) handleQueued(e dispatch.Event) {
	h.mu.RLock()
	span, ok := h.callSpans[e.CallID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{}
	if wait, found := e.Payload["wait_ms"]; found {
		if ms, ok := wait.(int64); ok {
			attrs = append(attrs, attribute.Int64("fusion.queue_wait_ms", ms))
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleStarted creates a child span under the call span for handler
// execution.
func (h *TracingHandler) handleStarted(e dispatch.Event) {
	h.mu.RLock()
	parentCtx, ok := h.callCtxs[e.CallID]
	h.mu.RUnlock()

	if !ok {
		// No parent call span; start from background context.
		parentCtx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("fusion.call_id", e.CallID),
		attribute.String("fusion.tool", e.Tool),
		attribute.String("fusion.action", e.Action),
	}
	if key, found := e.Payload["serial_key"]; found {
		if s, ok := key.(string); ok {
			attrs = append(attrs, attribute.String("fusion.serial_key", s))
		}
	}

	_, span := h.tracer.Start(parentCtx, "action:"+e.Action,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.handlerSpans[e.CallID] = span
	h.mu.Unlock()
}

// handleProgress adds a span event for each forwarded progress update.
func (h *TracingHandler) handleProgress(e dispatch.Event) {
	h.mu.RLock()
	span, ok := h.handlerSpans[e.CallID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{}
	if msg, found := e.Payload["message"]; found {
		if s, ok := msg.(string); ok && s != "" {
			attrs = append(attrs, attribute.String("fusion.progress_message", s))
		}
	}
	if p, found := e.Payload["progress"]; found {
		if f, ok := p.(float64); ok {
			attrs = append(attrs, attribute.Float64("fusion.progress", f))
		}
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleTruncated marks the egress cut on the call span.
func (h *TracingHandler) handleTruncated(e dispatch.Event) {
	h.mu.RLock()
	span, ok := h.callSpans[e.CallID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{}
	if limit, found := e.Payload["limit_bytes"]; found {
		if n, ok := limit.(int); ok {
			attrs = append(attrs, attribute.Int("fusion.limit_bytes", n))
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleRejected ends the call span with error status. Rejections happen
// before the handler runs, so there is never a handler span to end.
func (h *TracingHandler) handleRejected(e dispatch.Event) {
	h.mu.Lock()
	span, ok := h.callSpans[e.CallID]
	if ok {
		delete(h.callSpans, e.CallID)
		delete(h.callCtxs, e.CallID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	code := "rejected"
	if c, found := e.Payload["code"]; found {
		if s, ok := c.(string); ok {
			code = s
		}
	}
	span.SetAttributes(attribute.String("fusion.reject_code", code))
	span.SetStatus(codes.Error, code)
	span.End(trace.WithTimestamp(e.Time))
}

// handleFailed ends the handler span and the call span with error status.
func (h *TracingHandler) handleFailed(e dispatch.Event) {
	h.mu.Lock()
	handlerSpan, hasHandler := h.handlerSpans[e.CallID]
	callSpan, hasCall := h.callSpans[e.CallID]
	delete(h.handlerSpans, e.CallID)
	delete(h.callSpans, e.CallID)
	delete(h.callCtxs, e.CallID)
	h.mu.Unlock()

	errMsg := "unknown error"
	if msg, found := e.Payload["error"]; found {
		if s, ok := msg.(string); ok {
			errMsg = s
		}
	}

	if hasHandler {
		handlerSpan.SetStatus(codes.Error, errMsg)
		handlerSpan.RecordError(
			spanError(errMsg),
			trace.WithTimestamp(e.Time),
		)
		handlerSpan.End(trace.WithTimestamp(e.Time))
	}
	if hasCall {
		callSpan.SetAttributes(
			attribute.String("fusion.duration", e.Elapsed.String()),
		)
		callSpan.SetStatus(codes.Error, errMsg)
		callSpan.End(trace.WithTimestamp(e.Time))
	}
}

// handleFinished ends the handler span and the call span. An error
// envelope authored by the handler marks the call span as failed even
// though the call completed.
func (h *TracingHandler) handleFinished(e dispatch.Event) {
	h.mu.Lock()
	handlerSpan, hasHandler := h.handlerSpans[e.CallID]
	callSpan, hasCall := h.callSpans[e.CallID]
	delete(h.handlerSpans, e.CallID)
	delete(h.callSpans, e.CallID)
	delete(h.callCtxs, e.CallID)
	h.mu.Unlock()

	isError := false
	if v, found := e.Payload["is_error"]; found {
		if b, ok := v.(bool); ok {
			isError = b
		}
	}

	if hasHandler {
		if isError {
			handlerSpan.SetStatus(codes.Error, "handler returned an error envelope")
		} else {
			handlerSpan.SetStatus(codes.Ok, "")
		}
		handlerSpan.End(trace.WithTimestamp(e.Time))
	}
	if hasCall {
		callSpan.SetAttributes(
			attribute.String("fusion.duration", e.Elapsed.String()),
			attribute.Bool("fusion.is_error", isError),
		)
		if isError {
			callSpan.SetStatus(codes.Error, "handler returned an error envelope")
		} else {
			callSpan.SetStatus(codes.Ok, "")
		}
		callSpan.End(trace.WithTimestamp(e.Time))
	}
}

// ActiveHandlerSpanContext returns the SpanContext for the active handler
// span of a call. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveHandlerSpanContext(callID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.handlerSpans[callID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveCallSpanContext returns the SpanContext for the active call span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveCallSpanContext(callID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.callSpans[callID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
