// Package dispatch executes fused-tool calls through the full pipeline:
// discriminator routing, schema validation with coaching correction
// reports, guard admission, per-key serialization of destructive actions,
// the compiled middleware chain, progress draining, response
// normalization, and the egress byte bound.
//
// Failures before the handler runs (routing, validation, load shed) come
// back as tagged error envelopes with a nil Go error: the caller is
// expected to correct and resubmit. Go errors are reserved for calls
// cancelled while they waited for admission and, in rethrow mode, for
// handler failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	fusion "github.com/vinkius-labs/mcp-fusion"
	"github.com/vinkius-labs/mcp-fusion/guard"
)

// Rejection codes that never appear in envelopes: these rejections
// surface as Go errors instead.
const (
	rejectCodeCanceled = "CANCELLED"
	rejectCodeClosed   = "GUARD_CLOSED"
)

// Config controls a Dispatcher. The zero value is valid: no events are
// distributed and time.Now is used.
type Config struct {
	// Bus distributes events to subscribers. Optional. Satisfied by
	// bus.EventBus.
	Bus EventPublisher

	// Handler receives every emitted event. Optional.
	Handler EventHandler

	// EmitterDecorator wraps the per-call event emitter, typically to
	// enrich events with trace metadata. Optional.
	EmitterDecorator EventEmitterDecorator

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// Options control a single call.
type Options struct {
	// CallID identifies the call in events and progress notifications.
	// Generated when empty.
	CallID string

	// ProgressSink receives intermediate updates from streaming handlers.
	// Optional; sends are fire and forget.
	ProgressSink fusion.ProgressSink

	// ProgressToken is stamped onto every forwarded update so transports
	// can correlate progress notifications with the originating request.
	ProgressToken any

	// Rethrow propagates handler errors and panics to the caller instead
	// of wrapping them into a HANDLER_ERROR envelope. Meant for trace and
	// debug calls whose instrumentation classifies failures externally.
	Rethrow bool
}

// Dispatcher runs fused-tool calls. A single Dispatcher is shared by
// every concurrent call of a server.
type Dispatcher struct {
	cfg Config
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// rejection pairs a coaching error envelope with its code, for events and
// observations.
type rejection struct {
	code   string
	result *fusion.Result
}

// call carries one dispatch through the pipeline.
type call struct {
	id     string
	tool   *fusion.Tool
	action *fusion.Action
	opts   Options
	emit   EventEmitter
	now    func() time.Time
	start  time.Time
}

// Execute runs one call against a built tool.
//
// The returned envelope is never nil when the error is nil. Routing and
// validation failures and load sheds return tagged error envelopes;
// handler failures do too unless Options.Rethrow is set. A non-nil Go
// error means the call never produced an envelope: it was cancelled or
// the guard closed while it waited, or Rethrow surfaced a handler error.
func (d *Dispatcher) Execute(ctx context.Context, tool *fusion.Tool, rawArgs map[string]any, opts Options) (*fusion.Result, error) {
	if tool == nil {
		return nil, fmt.Errorf("dispatch: nil tool")
	}

	now := d.cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &call{
		id:    opts.CallID,
		tool:  tool,
		opts:  opts,
		now:   now,
		start: now(),
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.emit = d.newEmitter()

	c.emit(c.event(EventCallReceived))

	action, rej := resolveAction(tool, rawArgs)
	if rej != nil {
		c.reject(rej.code)
		return rej.result, nil
	}
	c.action = action

	args, rej := validateArgs(action, tool.Discriminator(), rawArgs)
	if rej != nil {
		c.reject(rej.code)
		return rej.result, nil
	}

	var queued bool
	var queueWait time.Duration
	if g := action.Guard(); g != nil {
		acquireStart := now()
		slot, err := g.Acquire(ctx)
		if err != nil {
			switch {
			case errors.Is(err, guard.ErrBusy):
				c.reject(fusion.ErrorCodeServerBusy)
				return busyEnvelope(tool, action, g), nil
			case errors.Is(err, guard.ErrClosed):
				c.reject(rejectCodeClosed)
				return nil, fmt.Errorf("dispatch %s.%s: %w", tool.Name(), action.Key, err)
			default:
				c.reject(rejectCodeCanceled)
				return nil, fmt.Errorf("dispatch %s.%s: %w", tool.Name(), action.Key, err)
			}
		}
		defer slot.Release()
		if slot.Queued() {
			queued = true
			queueWait = now().Sub(acquireStart)
			c.emit(c.event(EventCallQueued).WithPayload("wait_ms", queueWait.Milliseconds()))
			emitQueueObservation(QueueObservation{
				Tool:   tool.Name(),
				Action: action.Key,
				CallID: c.id,
				WaitMS: queueWait.Milliseconds(),
			})
		}
	}

	raw, handlerErr, waitErr := d.runAction(ctx, c, args)
	if waitErr != nil {
		c.reject(rejectCodeCanceled)
		return nil, fmt.Errorf("dispatch %s.%s: waiting for serialized predecessor: %w", tool.Name(), action.Key, waitErr)
	}

	if handlerErr == nil {
		if ch := updateChannel(raw); ch != nil {
			raw, handlerErr = drainUpdates(ctx, ch, c.forwardProgress)
		}
	}

	var res *fusion.Result
	if handlerErr == nil {
		res, handlerErr = normalizeResult(ctx, action, raw)
	}
	if handlerErr != nil {
		elapsed := now().Sub(c.start)
		c.emit(c.event(EventCallFailed).
			WithElapsed(elapsed).
			WithPayload("error", handlerErr.Error()))
		emitCallObservation(CallObservation{
			Tool:        tool.Name(),
			Action:      action.Key,
			CallID:      c.id,
			DurationMS:  elapsed.Milliseconds(),
			Queued:      queued,
			QueueWaitMS: queueWait.Milliseconds(),
			Success:     false,
			ErrorCode:   fusion.ErrorCodeHandlerError,
		})
		if opts.Rethrow {
			return nil, fmt.Errorf("dispatch %s.%s: %w", tool.Name(), action.Key, handlerErr)
		}
		return fusion.ErrorResultf(fusion.ErrorCodeHandlerError, "action %q failed: %v", action.Key, handlerErr), nil
	}
	if res == nil {
		res = fusion.NewResult()
	}

	bounded, truncated := boundResult(res, action.MaxResultBytes())
	if truncated {
		c.emit(c.event(EventCallTruncated).
			WithPayload("limit_bytes", action.MaxResultBytes()))
	}

	elapsed := now().Sub(c.start)
	c.emit(c.event(EventCallFinished).
		WithElapsed(elapsed).
		WithPayload("is_error", bounded.IsError))
	emitCallObservation(CallObservation{
		Tool:        tool.Name(),
		Action:      action.Key,
		CallID:      c.id,
		DurationMS:  elapsed.Milliseconds(),
		Queued:      queued,
		QueueWaitMS: queueWait.Milliseconds(),
		Success:     !bounded.IsError,
		Truncated:   truncated,
	})
	return bounded, nil
}

// newEmitter builds the per-call emitter: it stamps sequence numbers and
// fans events out to the bus and handler.
func (d *Dispatcher) newEmitter() EventEmitter {
	seq := newSeqGen()
	emit := func(e Event) {
		e.Seq = seq.Next()
		if d.cfg.Bus != nil {
			d.cfg.Bus.Publish(e)
		}
		if d.cfg.Handler != nil {
			d.cfg.Handler(e)
		}
	}
	if d.cfg.EmitterDecorator != nil {
		emit = d.cfg.EmitterDecorator(emit)
	}
	return emit
}

// runAction executes the compiled chain, serialized per key when the
// action is destructive. waitErr is non-nil only when the call was
// cancelled before its turn in the serializer chain; handler outcomes are
// in raw and handlerErr.
func (d *Dispatcher) runAction(ctx context.Context, c *call, args map[string]any) (raw any, handlerErr, waitErr error) {
	if !c.action.Destructive {
		raw, handlerErr = c.invokeChain(ctx, args, "")
		return raw, handlerErr, nil
	}

	key := c.action.SerialKeyFor(args)
	ran := false
	err := c.tool.Serializer().Do(ctx, key, func(ctx context.Context) error {
		ran = true
		raw, handlerErr = c.invokeChain(ctx, args, key)
		return nil
	})
	if err != nil && !ran {
		return nil, nil, err
	}
	return raw, handlerErr, nil
}

// invokeChain emits call.started and runs the compiled middleware chain.
// In the default mode panics are caught and surfaced as handler errors;
// in rethrow mode they propagate. The guard slot and serializer chain are
// released by deferred calls either way.
func (c *call) invokeChain(ctx context.Context, args map[string]any, serialKey string) (raw any, err error) {
	started := c.event(EventCallStarted)
	if serialKey != "" {
		started = started.WithPayload("serial_key", serialKey)
	}
	c.emit(started)

	if !c.opts.Rethrow {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
	}
	return c.action.Invoke(ctx, args)
}

// forwardProgress emits a progress event and forwards the update to the
// caller's sink. Sink errors never fail the call.
func (c *call) forwardProgress(ctx context.Context, u fusion.Update) {
	c.emit(c.event(EventCallProgress).
		WithPayload("progress", u.Progress).
		WithPayload("total", u.Total).
		WithPayload("message", u.Message))
	if c.opts.ProgressSink == nil {
		return
	}
	_ = c.opts.ProgressSink.Send(ctx, fusion.Progress{
		CallID:   c.id,
		Token:    c.opts.ProgressToken,
		Progress: u.Progress,
		Total:    u.Total,
		Message:  u.Message,
	})
}

// event builds an event stamped with the call identity.
func (c *call) event(kind EventKind) Event {
	e := NewEvent(kind, c.id).WithTool(c.tool.Name())
	if c.action != nil {
		e = e.WithAction(c.action.Key)
	}
	return e
}

func (c *call) actionKey() string {
	if c.action != nil {
		return c.action.Key
	}
	return ""
}

// reject records a call turned away before its handler ran.
func (c *call) reject(code string) {
	c.emit(c.event(EventCallRejected).WithPayload("code", code))
	emitRejectObservation(RejectObservation{
		Tool:   c.tool.Name(),
		Action: c.actionKey(),
		CallID: c.id,
		Code:   code,
	})
}

// busyEnvelope renders the load-shed rejection with the limits that were
// hit, so callers know what to back off from.
func busyEnvelope(tool *fusion.Tool, action *fusion.Action, g *guard.Guard) *fusion.Result {
	return fusion.ErrorResultf(fusion.ErrorCodeServerBusy,
		"tool %q is at capacity for action %q (max %d active, max %d queued); the call was shed.\nRetry later or reduce concurrent calls.",
		tool.Name(), action.Key, g.MaxActive(), g.MaxQueue())
}
