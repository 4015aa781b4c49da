package otel_test

import (
	"testing"
	"time"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
	fusionotel "github.com/vinkius-labs/mcp-fusion/otel"
)

func TestEnrichEmitter_HandlerSpanPopulatesTraceFields(t *testing.T) {
	_, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := fusionotel.NewTracingHandler(tracer)

	now := time.Now()

	// Start call and handler to create active spans.
	h.Handle(dispatch.Event{
		Kind:   dispatch.EventCallReceived,
		CallID: "call-1",
		Tool:   "notes",
		Time:   now,
	})
	h.Handle(dispatch.Event{
		Kind:   dispatch.EventCallStarted,
		CallID: "call-1",
		Tool:   "notes",
		Action: "export",
		Time:   now.Add(1 * time.Millisecond),
	})

	// Get the expected span context for the handler span.
	expectedSC := h.ActiveHandlerSpanContext("call-1")
	if !expectedSC.IsValid() {
		t.Fatal("expected valid handler span context")
	}

	var received dispatch.Event
	inner := dispatch.EventEmitter(func(e dispatch.Event) {
		received = e
	})

	enriched := fusionotel.EnrichEmitter(inner, h)

	// Emit an event through the enriched emitter while the handler runs.
	enriched(dispatch.Event{
		Kind:    dispatch.EventCallProgress,
		CallID:  "call-1",
		Tool:    "notes",
		Action:  "export",
		Time:    now.Add(2 * time.Millisecond),
		Payload: map[string]any{"progress": 0.5, "total": 1.0},
	})

	if received.TraceID != expectedSC.TraceID().String() {
		t.Errorf("TraceID: got %q, want %q", received.TraceID, expectedSC.TraceID().String())
	}
	if received.SpanID != expectedSC.SpanID().String() {
		t.Errorf("SpanID: got %q, want %q", received.SpanID, expectedSC.SpanID().String())
	}
}

func TestEnrichEmitter_CallSpanFallback(t *testing.T) {
	_, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := fusionotel.NewTracingHandler(tracer)

	now := time.Now()

	// Start a call but no handler.
	h.Handle(dispatch.Event{
		Kind:   dispatch.EventCallReceived,
		CallID: "call-1",
		Tool:   "notes",
		Time:   now,
	})

	expectedSC := h.ActiveCallSpanContext("call-1")
	if !expectedSC.IsValid() {
		t.Fatal("expected valid call span context")
	}

	var received dispatch.Event
	inner := dispatch.EventEmitter(func(e dispatch.Event) {
		received = e
	})

	enriched := fusionotel.EnrichEmitter(inner, h)

	// Emit an event before the handler span exists.
	enriched(dispatch.Event{
		Kind:    dispatch.EventCallQueued,
		CallID:  "call-1",
		Tool:    "notes",
		Action:  "export",
		Time:    now.Add(10 * time.Millisecond),
		Payload: map[string]any{"wait_ms": int64(10)},
	})

	if received.TraceID != expectedSC.TraceID().String() {
		t.Errorf("TraceID: got %q, want %q", received.TraceID, expectedSC.TraceID().String())
	}
	if received.SpanID != expectedSC.SpanID().String() {
		t.Errorf("SpanID: got %q, want %q", received.SpanID, expectedSC.SpanID().String())
	}
}

func TestEnrichEmitter_PassthroughWhenNoSpanActive(t *testing.T) {
	_, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := fusionotel.NewTracingHandler(tracer)

	var received dispatch.Event
	inner := dispatch.EventEmitter(func(e dispatch.Event) {
		received = e
	})

	enriched := fusionotel.EnrichEmitter(inner, h)

	// Emit an event with no spans active.
	enriched(dispatch.Event{
		Kind:   dispatch.EventCallReceived,
		CallID: "call-no-span",
		Tool:   "notes",
		Time:   time.Now(),
	})

	// TraceID and SpanID should remain empty.
	if received.TraceID != "" {
		t.Errorf("expected empty TraceID, got %q", received.TraceID)
	}
	if received.SpanID != "" {
		t.Errorf("expected empty SpanID, got %q", received.SpanID)
	}

	// The event should still be forwarded.
	if received.CallID != "call-no-span" {
		t.Errorf("expected CallID 'call-no-span', got %q", received.CallID)
	}
	if received.Kind != dispatch.EventCallReceived {
		t.Errorf("expected Kind 'call.received', got %q", received.Kind)
	}
}

func TestEnrichEmitter_PreservesExistingEventFields(t *testing.T) {
	_, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := fusionotel.NewTracingHandler(tracer)

	now := time.Now()

	// Start call and handler.
	h.Handle(dispatch.Event{
		Kind:   dispatch.EventCallReceived,
		CallID: "call-1",
		Tool:   "notes",
		Time:   now,
	})
	h.Handle(dispatch.Event{
		Kind:   dispatch.EventCallStarted,
		CallID: "call-1",
		Tool:   "notes",
		Action: "export",
		Time:   now.Add(1 * time.Millisecond),
	})

	var received dispatch.Event
	inner := dispatch.EventEmitter(func(e dispatch.Event) {
		received = e
	})

	enriched := fusionotel.EnrichEmitter(inner, h)

	original := dispatch.Event{
		Kind:    dispatch.EventCallProgress,
		CallID:  "call-1",
		Tool:    "notes",
		Action:  "export",
		Time:    now.Add(5 * time.Millisecond),
		Elapsed: 4 * time.Millisecond,
		Seq:     7,
		Payload: map[string]any{"message": "exporting"},
	}

	enriched(original)

	// Verify trace fields are populated.
	if received.TraceID == "" {
		t.Error("expected TraceID to be populated")
	}
	if received.SpanID == "" {
		t.Error("expected SpanID to be populated")
	}

	// Verify other fields are preserved.
	if received.Kind != dispatch.EventCallProgress {
		t.Errorf("Kind: got %q, want %q", received.Kind, dispatch.EventCallProgress)
	}
	if received.CallID != "call-1" {
		t.Errorf("CallID: got %q, want %q", received.CallID, "call-1")
	}
	if received.Action != "export" {
		t.Errorf("Action: got %q, want %q", received.Action, "export")
	}
	if received.Elapsed != 4*time.Millisecond {
		t.Errorf("Elapsed: got %v, want 4ms", received.Elapsed)
	}
	if received.Seq != 7 {
		t.Errorf("Seq: got %d, want 7", received.Seq)
	}
	if received.Payload["message"] != "exporting" {
		t.Errorf("Payload[message]: got %v, want 'exporting'", received.Payload["message"])
	}
}

func TestEnrichEmitter_SwitchesToCallSpanAfterHandlerEnds(t *testing.T) {
	_, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := fusionotel.NewTracingHandler(tracer)

	now := time.Now()

	h.Handle(dispatch.Event{
		Kind:   dispatch.EventCallReceived,
		CallID: "call-1",
		Tool:   "notes",
		Time:   now,
	})
	h.Handle(dispatch.Event{
		Kind:   dispatch.EventCallStarted,
		CallID: "call-1",
		Tool:   "notes",
		Action: "export",
		Time:   now.Add(1 * time.Millisecond),
	})

	handlerSC := h.ActiveHandlerSpanContext("call-1")
	callSC := h.ActiveCallSpanContext("call-1")

	var received dispatch.Event
	enriched := fusionotel.EnrichEmitter(func(e dispatch.Event) {
		received = e
	}, h)

	// While the handler runs, events carry the handler span.
	enriched(dispatch.Event{
		Kind:   dispatch.EventCallProgress,
		CallID: "call-1",
		Tool:   "notes",
		Action: "export",
		Time:   now.Add(2 * time.Millisecond),
	})
	if received.SpanID != handlerSC.SpanID().String() {
		t.Errorf("expected handler span ID %q, got %q", handlerSC.SpanID().String(), received.SpanID)
	}

	// Before the handler starts, the same enricher yields the call span;
	// simulate by handling a fresh call without call.started.
	h.Handle(dispatch.Event{
		Kind:   dispatch.EventCallReceived,
		CallID: "call-2",
		Tool:   "notes",
		Time:   now.Add(3 * time.Millisecond),
	})
	call2SC := h.ActiveCallSpanContext("call-2")
	enriched(dispatch.Event{
		Kind:   dispatch.EventCallQueued,
		CallID: "call-2",
		Tool:   "notes",
		Time:   now.Add(4 * time.Millisecond),
	})
	if received.SpanID != call2SC.SpanID().String() {
		t.Errorf("expected call span ID %q, got %q", call2SC.SpanID().String(), received.SpanID)
	}
	if call2SC.SpanID() == callSC.SpanID() {
		t.Error("expected distinct span IDs across calls")
	}
}
