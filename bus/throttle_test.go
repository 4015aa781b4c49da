package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

func TestThrottle_NonProgressPassThrough(t *testing.T) {
	var mu sync.Mutex
	var received []dispatch.Event

	emitter := func(e dispatch.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}

	te := NewThrottledEmitter(emitter, ThrottleConfig{
		CoalesceInterval: 50 * time.Millisecond,
	})
	defer te.Close()

	// Non-progress events should pass through immediately.
	te.Emit(dispatch.NewEvent(dispatch.EventCallReceived, "call-1"))
	te.Emit(dispatch.NewEvent(dispatch.EventCallStarted, "call-1"))
	te.Emit(dispatch.NewEvent(dispatch.EventCallFinished, "call-1"))

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 3 {
		t.Fatalf("expected 3 events, got %d", len(received))
	}
	if received[0].Kind != dispatch.EventCallReceived {
		t.Errorf("event 0: got kind %v, want %v", received[0].Kind, dispatch.EventCallReceived)
	}
	if received[1].Kind != dispatch.EventCallStarted {
		t.Errorf("event 1: got kind %v, want %v", received[1].Kind, dispatch.EventCallStarted)
	}
	if received[2].Kind != dispatch.EventCallFinished {
		t.Errorf("event 2: got kind %v, want %v", received[2].Kind, dispatch.EventCallFinished)
	}
}

func TestThrottle_ProgressCoalescing(t *testing.T) {
	var mu sync.Mutex
	var received []dispatch.Event

	emitter := func(e dispatch.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}

	te := NewThrottledEmitter(emitter, ThrottleConfig{
		CoalesceInterval: 100 * time.Millisecond,
	})

	// Emit several progress events for the same call rapidly.
	for i := 0; i < 10; i++ {
		e := dispatch.NewEvent(dispatch.EventCallProgress, "call-1")
		e = e.WithPayload("progress", i)
		te.Emit(e)
	}

	// Wait less than the coalesce interval — nothing should have flushed yet.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	countBefore := len(received)
	mu.Unlock()
	if countBefore != 0 {
		t.Errorf("expected 0 events before flush, got %d", countBefore)
	}

	// Wait for the coalesce interval to fire.
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	countAfter := len(received)
	mu.Unlock()

	// Only the latest progress per call should be flushed — exactly 1.
	if countAfter != 1 {
		t.Fatalf("expected 1 coalesced event, got %d", countAfter)
	}

	mu.Lock()
	lastPayload := received[0].Payload["progress"]
	mu.Unlock()

	if lastPayload != 9 {
		t.Errorf("expected last progress=9, got %v", lastPayload)
	}

	te.Close()
}

func TestThrottle_ProgressCoalescingPerCall(t *testing.T) {
	var mu sync.Mutex
	var received []dispatch.Event

	emitter := func(e dispatch.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}

	te := NewThrottledEmitter(emitter, ThrottleConfig{
		CoalesceInterval: 100 * time.Millisecond,
	})

	// Emit progress for two different calls.
	for i := 0; i < 5; i++ {
		ea := dispatch.NewEvent(dispatch.EventCallProgress, "call-a")
		ea = ea.WithPayload("val", "a"+string(rune('0'+i)))
		te.Emit(ea)

		eb := dispatch.NewEvent(dispatch.EventCallProgress, "call-b")
		eb = eb.WithPayload("val", "b"+string(rune('0'+i)))
		te.Emit(eb)
	}

	// Wait for flush.
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// Should receive exactly 2 events: one per call (the latest for each).
	if len(received) != 2 {
		t.Fatalf("expected 2 coalesced events (one per call), got %d", len(received))
	}

	// Build a map of callID -> payload val.
	callVals := make(map[string]string)
	for _, e := range received {
		callVals[e.CallID] = e.Payload["val"].(string)
	}

	if callVals["call-a"] != "a4" {
		t.Errorf("call-a: got %q, want %q", callVals["call-a"], "a4")
	}
	if callVals["call-b"] != "b4" {
		t.Errorf("call-b: got %q, want %q", callVals["call-b"], "b4")
	}

	te.Close()
}

func TestThrottle_TerminalFlushesPendingProgress(t *testing.T) {
	var mu sync.Mutex
	var received []dispatch.Event

	emitter := func(e dispatch.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}

	te := NewThrottledEmitter(emitter, ThrottleConfig{
		CoalesceInterval: 10 * time.Second, // very long interval
	})
	defer te.Close()

	// Progress is pending, then the call finishes before any tick.
	for i := 0; i < 3; i++ {
		e := dispatch.NewEvent(dispatch.EventCallProgress, "call-1")
		e = e.WithPayload("progress", i)
		te.Emit(e)
	}
	te.Emit(dispatch.NewEvent(dispatch.EventCallFinished, "call-1"))

	mu.Lock()
	defer mu.Unlock()

	// The pending progress must come out before the terminal event.
	if len(received) != 2 {
		t.Fatalf("expected 2 events (progress then finished), got %d", len(received))
	}
	if received[0].Kind != dispatch.EventCallProgress {
		t.Errorf("event 0: got %v, want %v", received[0].Kind, dispatch.EventCallProgress)
	}
	if received[0].Payload["progress"] != 2 {
		t.Errorf("coalesced progress payload = %v, want 2", received[0].Payload["progress"])
	}
	if received[1].Kind != dispatch.EventCallFinished {
		t.Errorf("event 1: got %v, want %v", received[1].Kind, dispatch.EventCallFinished)
	}
}

func TestThrottle_TerminalForOtherCallLeavesPending(t *testing.T) {
	var mu sync.Mutex
	var received []dispatch.Event

	emitter := func(e dispatch.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}

	te := NewThrottledEmitter(emitter, ThrottleConfig{
		CoalesceInterval: 10 * time.Second,
	})

	p := dispatch.NewEvent(dispatch.EventCallProgress, "call-a")
	te.Emit(p)

	// A terminal event for a different call must not flush call-a's progress.
	te.Emit(dispatch.NewEvent(dispatch.EventCallFinished, "call-b"))

	mu.Lock()
	count := len(received)
	mu.Unlock()

	if count != 1 {
		t.Fatalf("expected 1 immediate event, got %d", count)
	}

	// Close flushes the still-pending progress.
	te.Close()

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 2 {
		t.Fatalf("expected 2 events after close, got %d", len(received))
	}
	if received[1].CallID != "call-a" || received[1].Kind != dispatch.EventCallProgress {
		t.Errorf("flushed event = %v %q, want call.progress for call-a", received[1].Kind, received[1].CallID)
	}
}

func TestThrottle_FlushOnClose(t *testing.T) {
	var mu sync.Mutex
	var received []dispatch.Event

	emitter := func(e dispatch.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}

	te := NewThrottledEmitter(emitter, ThrottleConfig{
		CoalesceInterval: 10 * time.Second, // very long interval
	})

	// Emit a progress event — it should be pending.
	e := dispatch.NewEvent(dispatch.EventCallProgress, "call-x")
	e = e.WithPayload("message", "pending")
	te.Emit(e)

	// Close should flush the pending progress immediately.
	te.Close()

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 flushed event on close, got %d", len(received))
	}
	if received[0].CallID != "call-x" {
		t.Errorf("got CallID %q, want %q", received[0].CallID, "call-x")
	}
	if received[0].Payload["message"] != "pending" {
		t.Errorf("got message %v, want %q", received[0].Payload["message"], "pending")
	}
}

func TestThrottle_CloseIdempotent(t *testing.T) {
	emitter := func(e dispatch.Event) {}

	te := NewThrottledEmitter(emitter, ThrottleConfig{
		CoalesceInterval: 50 * time.Millisecond,
	})

	// Calling Close multiple times should not panic.
	te.Close()
	te.Close()
}

func TestThrottle_DefaultCoalesceInterval(t *testing.T) {
	emitter := func(e dispatch.Event) {}

	te := NewThrottledEmitter(emitter, ThrottleConfig{})
	defer te.Close()

	if te.interval != 100*time.Millisecond {
		t.Errorf("default interval = %v, want 100ms", te.interval)
	}
}
