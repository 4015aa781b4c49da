package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	fusion "github.com/vinkius-labs/mcp-fusion"
	"github.com/vinkius-labs/mcp-fusion/guard"
)

// echoHandler returns its arguments, the smallest useful handler.
func echoHandler(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

// textOf returns the first text block of a result.
func textOf(t *testing.T, res *fusion.Result) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	return res.Content[0].Text
}

// eventRecorder collects emitted events; safe for concurrent calls.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handler() EventHandler {
	return func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) kinds(callID string) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []EventKind
	for _, e := range r.events {
		if callID == "" || e.CallID == callID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

func (r *eventRecorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return Event{}, false
}

func TestDispatcher_SuccessRoundTrip(t *testing.T) {
	tool, err := fusion.NewTool("notes").
		Action("list").
		Schema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"take": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
			},
		}).
		Handle(func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"took": args["take"]}, nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{})
	res, err := d.Execute(context.Background(), tool, map[string]any{"action": "list", "take": 10}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("Execute() = error envelope %q", textOf(t, res))
	}
	if got := res.StructuredContent["took"]; got != 10 {
		t.Errorf("structured content took = %v, want 10", got)
	}
}

func TestDispatcher_LoadShedUnderCapacity(t *testing.T) {
	running := make(chan struct{})
	release := make(chan struct{})
	tool, err := fusion.NewTool("files").
		Guard(1, 0).
		Action("read").
		Handle(func(context.Context, map[string]any) (any, error) {
			close(running)
			<-release
			return "contents", nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{})
	type outcome struct {
		res *fusion.Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := d.Execute(context.Background(), tool, map[string]any{"action": "read"}, Options{})
		first <- outcome{res, err}
	}()

	select {
	case <-running:
	case <-time.After(time.Second):
		t.Fatal("first call never started")
	}

	// Second call: capacity and queue are both exhausted, so it must be
	// shed immediately with a busy envelope.
	res, err := d.Execute(context.Background(), tool, map[string]any{"action": "read"}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Fatal("second call should be shed with an error envelope")
	}
	if text := textOf(t, res); !strings.Contains(text, "[SERVER_BUSY]") {
		t.Errorf("envelope = %q, want SERVER_BUSY tag", text)
	}

	close(release)
	select {
	case out := <-first:
		if out.err != nil {
			t.Fatalf("first call error = %v", out.err)
		}
		if out.res.IsError {
			t.Fatalf("first call = error envelope %q", textOf(t, out.res))
		}
	case <-time.After(time.Second):
		t.Fatal("first call never completed")
	}
}

func TestDispatcher_ReleasesSlotWhenHandlerFails(t *testing.T) {
	tool, err := fusion.NewTool("files").
		Guard(1, 0).
		Action("read").
		Handle(func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{})
	for i := 0; i < 3; i++ {
		res, err := d.Execute(context.Background(), tool, map[string]any{"action": "read"}, Options{})
		if err != nil {
			t.Fatalf("call %d: Execute() error = %v", i, err)
		}
		text := textOf(t, res)
		if !strings.Contains(text, "[HANDLER_ERROR]") {
			t.Fatalf("call %d: envelope = %q, want HANDLER_ERROR (a SERVER_BUSY here means a leaked slot)", i, text)
		}
	}
	if active := tool.Guard().Active(); active != 0 {
		t.Errorf("guard active = %d after failures, want 0", active)
	}
}

func TestDispatcher_ReleasesSlotWhenHandlerPanics(t *testing.T) {
	tool, err := fusion.NewTool("files").
		Guard(1, 0).
		Action("read").
		Handle(func(context.Context, map[string]any) (any, error) {
			panic("boom")
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{})
	res, err := d.Execute(context.Background(), tool, map[string]any{"action": "read"}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	text := textOf(t, res)
	if !strings.Contains(text, "[HANDLER_ERROR]") || !strings.Contains(text, "panic") {
		t.Errorf("envelope = %q, want a wrapped panic", text)
	}
	if active := tool.Guard().Active(); active != 0 {
		t.Errorf("guard active = %d after panic, want 0", active)
	}
}

func TestDispatcher_SerializesDestructiveCalls(t *testing.T) {
	var inflight atomic.Int32
	var overlapped atomic.Bool
	tool, err := fusion.NewTool("notes").
		Action("delete").
		Schema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string"},
			},
			"required": []string{"id"},
		}).
		Destructive().
		SerialKey(func(args map[string]any) string {
			id, _ := args["id"].(string)
			return id
		}).
		Handle(func(context.Context, map[string]any) (any, error) {
			if inflight.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			inflight.Add(-1)
			return "deleted", nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Execute(context.Background(), tool, map[string]any{"action": "delete", "id": "n-1"}, Options{})
			if err != nil {
				t.Errorf("Execute() error = %v", err)
				return
			}
			if res.IsError {
				t.Errorf("Execute() = error envelope %q", res.Content[0].Text)
			}
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("destructive calls for the same key overlapped")
	}
}

func TestDispatcher_EmitsLifecycleEvents(t *testing.T) {
	rec := &eventRecorder{}
	tool, err := fusion.NewTool("notes").
		Action("list").Handle(echoHandler).Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{Handler: rec.handler()})
	_, err = d.Execute(context.Background(), tool, map[string]any{"action": "list"}, Options{CallID: "call-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []EventKind{EventCallReceived, EventCallStarted, EventCallFinished}
	got := rec.kinds("call-1")
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", got, want)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, e := range rec.events {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.Tool != "notes" {
			t.Errorf("event %d tool = %q, want notes", i, e.Tool)
		}
	}
	if rec.events[1].Action != "list" {
		t.Errorf("started event action = %q, want list", rec.events[1].Action)
	}
	if rec.events[2].Elapsed < 0 {
		t.Error("finished event should carry a non-negative elapsed duration")
	}
}

func TestDispatcher_QueuedCallEmitsQueueEvent(t *testing.T) {
	rec := &eventRecorder{}
	running := make(chan struct{})
	release := make(chan struct{})
	tool, err := fusion.NewTool("files").
		Guard(1, 1).
		Action("read").
		Handle(func(context.Context, map[string]any) (any, error) {
			select {
			case <-running:
			default:
				close(running)
				<-release
			}
			return "contents", nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{Handler: rec.handler()})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := d.Execute(context.Background(), tool, map[string]any{"action": "read"}, Options{CallID: "a"}); err != nil {
			t.Errorf("first call error = %v", err)
		}
	}()

	select {
	case <-running:
	case <-time.After(time.Second):
		t.Fatal("first call never started")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := d.Execute(context.Background(), tool, map[string]any{"action": "read"}, Options{CallID: "b"}); err != nil {
			t.Errorf("second call error = %v", err)
		}
	}()

	// Wait until the second call is queued, then free the slot.
	deadline := time.Now().Add(time.Second)
	for tool.Guard().Queued() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second call never queued")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	kinds := rec.kinds("b")
	wantQueued := false
	for _, k := range kinds {
		if k == EventCallQueued {
			wantQueued = true
		}
	}
	if !wantQueued {
		t.Fatalf("second call events = %v, want a call.queued event", kinds)
	}
	if e, ok := rec.find(EventCallQueued); ok {
		if _, hasWait := e.Payload["wait_ms"]; !hasWait {
			t.Error("call.queued event should carry the wait duration")
		}
	}
}

func TestDispatcher_QueuedCancellationReturnsError(t *testing.T) {
	running := make(chan struct{})
	release := make(chan struct{})
	tool, err := fusion.NewTool("files").
		Guard(1, 1).
		Action("read").
		Handle(func(context.Context, map[string]any) (any, error) {
			close(running)
			<-release
			return "contents", nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer close(release)

	d := New(Config{})
	go func() {
		_, _ = d.Execute(context.Background(), tool, map[string]any{"action": "read"}, Options{})
	}()

	select {
	case <-running:
	case <-time.After(time.Second):
		t.Fatal("first call never started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Execute(ctx, tool, map[string]any{"action": "read"}, Options{})
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for tool.Guard().Queued() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second call never queued")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, guard.ErrCanceled) {
			t.Errorf("Execute() error = %v, want wrapped guard.ErrCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled call never returned")
	}
}

func TestDispatcher_RethrowPropagatesHandlerError(t *testing.T) {
	handlerErr := errors.New("upstream timeout")
	tool, err := fusion.NewTool("notes").
		Action("list").
		Handle(func(context.Context, map[string]any) (any, error) {
			return nil, handlerErr
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{})
	res, err := d.Execute(context.Background(), tool, map[string]any{"action": "list"}, Options{Rethrow: true})
	if res != nil {
		t.Errorf("Execute() result = %+v, want nil in rethrow mode", res)
	}
	if !errors.Is(err, handlerErr) {
		t.Errorf("Execute() error = %v, want the handler error", err)
	}
}

func TestDispatcher_ValidationShortCircuitsAdmission(t *testing.T) {
	var invoked atomic.Int32
	running := make(chan struct{})
	release := make(chan struct{})
	tool, err := fusion.NewTool("notes").
		Guard(1, 0).
		Action("list").
		Schema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"take": map[string]any{"type": "integer", "maximum": 50},
			},
		}).
		Handle(func(context.Context, map[string]any) (any, error) {
			invoked.Add(1)
			close(running)
			<-release
			return "ok", nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{})
	go func() {
		_, _ = d.Execute(context.Background(), tool, map[string]any{"action": "list", "take": 10}, Options{})
	}()
	select {
	case <-running:
	case <-time.After(time.Second):
		t.Fatal("first call never started")
	}

	// The guard is saturated, but an invalid call must fail validation,
	// not admission: validation never consumes a slot.
	res, err := d.Execute(context.Background(), tool, map[string]any{"action": "list", "take": 10000}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if text := textOf(t, res); !strings.Contains(text, "[VALIDATION_ERROR]") {
		t.Errorf("envelope = %q, want VALIDATION_ERROR, not SERVER_BUSY", text)
	}
	if got := invoked.Load(); got != 1 {
		t.Errorf("handler invoked %d times, want 1", got)
	}
	close(release)
}

func TestDispatcher_TruncatesOversizedResponse(t *testing.T) {
	rec := &eventRecorder{}
	tool, err := fusion.NewTool("notes").
		MaxResultBytes(2048).
		Action("export").
		Handle(func(context.Context, map[string]any) (any, error) {
			return strings.Repeat("x", 10000), nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{Handler: rec.handler()})
	res, err := d.Execute(context.Background(), tool, map[string]any{"action": "export"}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	text := textOf(t, res)
	if len(text) >= 10000 {
		t.Errorf("response length = %d, want truncated", len(text))
	}
	if !strings.Contains(text, "[output truncated:") {
		t.Error("truncated response should carry the notice")
	}
	if _, ok := rec.find(EventCallTruncated); !ok {
		t.Error("expected a call.truncated event")
	}
}

func TestDispatcher_ForwardsProgressToSink(t *testing.T) {
	rec := &eventRecorder{}
	tool, err := fusion.NewTool("notes").
		Action("export").
		HandleStream(func(_ context.Context, _ map[string]any) (fusion.Updates, error) {
			ch := make(chan fusion.Update, 3)
			go func() {
				defer close(ch)
				ch <- fusion.Update{Progress: 1, Total: 2, Message: "page 1"}
				ch <- fusion.Update{Progress: 2, Total: 2, Message: "page 2"}
				ch <- fusion.Update{Done: true, Value: "exported 2 pages"}
			}()
			return ch, nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var mu sync.Mutex
	var got []fusion.Progress
	sink := fusion.ProgressSinkFunc(func(_ context.Context, p fusion.Progress) error {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		return nil
	})

	d := New(Config{Handler: rec.handler()})
	res, err := d.Execute(context.Background(), tool, map[string]any{"action": "export"}, Options{
		CallID:        "call-7",
		ProgressSink:  sink,
		ProgressToken: "tok-1",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if text := textOf(t, res); text != "exported 2 pages" {
		t.Errorf("terminal value = %q, want exported 2 pages", text)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("sink received %d updates, want 2", len(got))
	}
	if got[0].CallID != "call-7" || got[0].Token != "tok-1" {
		t.Errorf("progress identity = %+v, want the call ID and token stamped", got[0])
	}
	if got[1].Progress != 2 || got[1].Total != 2 {
		t.Errorf("progress values = %+v, want 2/2", got[1])
	}

	progressEvents := 0
	for _, k := range rec.kinds("call-7") {
		if k == EventCallProgress {
			progressEvents++
		}
	}
	if progressEvents != 2 {
		t.Errorf("emitted %d call.progress events, want 2", progressEvents)
	}
}

type fakeObserver struct {
	mu      sync.Mutex
	calls   []CallObservation
	rejects []RejectObservation
	queues  []QueueObservation
}

func (f *fakeObserver) ObserveCall(o CallObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, o)
}

func (f *fakeObserver) ObserveReject(o RejectObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, o)
}

func (f *fakeObserver) ObserveQueue(o QueueObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, o)
}

func TestDispatcher_ObserverReceivesOutcomes(t *testing.T) {
	obs := &fakeObserver{}
	SetObserver(obs)
	defer SetObserver(nil)

	tool, err := fusion.NewTool("notes").
		Action("list").Handle(echoHandler).Done().
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := New(Config{})
	if _, err := d.Execute(context.Background(), tool, map[string]any{"action": "list"}, Options{}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := d.Execute(context.Background(), tool, map[string]any{}, Options{}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.calls) != 1 {
		t.Fatalf("observer saw %d calls, want 1", len(obs.calls))
	}
	if !obs.calls[0].Success || obs.calls[0].Tool != "notes" || obs.calls[0].Action != "list" {
		t.Errorf("call observation = %+v, want a successful notes.list call", obs.calls[0])
	}
	if len(obs.rejects) != 1 {
		t.Fatalf("observer saw %d rejects, want 1", len(obs.rejects))
	}
	if obs.rejects[0].Code != fusion.ErrorCodeMissingDiscriminator {
		t.Errorf("reject code = %q, want %q", obs.rejects[0].Code, fusion.ErrorCodeMissingDiscriminator)
	}
}
