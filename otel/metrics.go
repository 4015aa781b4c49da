package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// MetricsHandler translates dispatch events into OpenTelemetry metrics.
// It records counters and histograms for call completions, failures,
// rejections, queue waits, and egress truncations.
type MetricsHandler struct {
	callExecutions  metric.Int64Counter
	callFailures    metric.Int64Counter
	callRejections  metric.Int64Counter
	callTruncations metric.Int64Counter
	callDuration    metric.Float64Histogram
	queueWait       metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording dispatch metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	executions, err := meter.Int64Counter("fusion.call.executions",
		metric.WithDescription("Number of completed calls"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("fusion.call.failures",
		metric.WithDescription("Number of handler failures"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter("fusion.call.rejections",
		metric.WithDescription("Number of calls rejected before the handler ran"),
	)
	if err != nil {
		return nil, err
	}

	truncations, err := meter.Int64Counter("fusion.call.truncations",
		metric.WithDescription("Number of responses cut to the egress byte bound"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("fusion.call.duration",
		metric.WithDescription("Duration of call execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queueWait, err := meter.Float64Histogram("fusion.call.queue_wait",
		metric.WithDescription("Time calls spent waiting for an admission slot in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		callExecutions:  executions,
		callFailures:    failures,
		callRejections:  rejections,
		callTruncations: truncations,
		callDuration:    duration,
		queueWait:       queueWait,
	}, nil
}

// Handle processes a dispatch event and records the appropriate metrics.
// It implements dispatch.EventHandler semantics.
func (h *MetricsHandler) Handle(e dispatch.Event) {
	switch e.Kind {
	case dispatch.EventCallFinished:
		h.handleFinished(e)
	case dispatch.EventCallFailed:
		h.handleFailed(e)
	case dispatch.EventCallRejected:
		h.handleRejected(e)
	case dispatch.EventCallQueued:
		h.handleQueued(e)
	case dispatch.EventCallTruncated:
		h.handleTruncated(e)
	}
}

// handleFinished increments the execution counter and records duration.
func (h *MetricsHandler) handleFinished(e dispatch.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("tool", e.Tool),
		attribute.String("action", e.Action),
	)
	h.callExecutions.Add(ctx, 1, attrs)
	h.callDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleFailed increments the failure counter; failed calls still record
// their duration.
func (h *MetricsHandler) handleFailed(e dispatch.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("tool", e.Tool),
		attribute.String("action", e.Action),
	)
	h.callFailures.Add(ctx, 1, attrs)
	h.callDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleRejected increments the rejection counter, labeled by code.
func (h *MetricsHandler) handleRejected(e dispatch.Event) {
	code := ""
	if c, found := e.Payload["code"]; found {
		if s, ok := c.(string); ok {
			code = s
		}
	}
	h.callRejections.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tool", e.Tool),
		attribute.String("action", e.Action),
		attribute.String("code", code),
	))
}

// handleQueued records the admission wait.
func (h *MetricsHandler) handleQueued(e dispatch.Event) {
	waitMS, ok := payloadNumber(e.Payload, "wait_ms")
	if !ok {
		return
	}
	h.queueWait.Record(context.Background(),
		(time.Duration(waitMS)*time.Millisecond).Seconds(),
		metric.WithAttributes(
			attribute.String("tool", e.Tool),
			attribute.String("action", e.Action),
		))
}

// handleTruncated increments the truncation counter.
func (h *MetricsHandler) handleTruncated(e dispatch.Event) {
	h.callTruncations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tool", e.Tool),
		attribute.String("action", e.Action),
	))
}

// payloadNumber reads a numeric payload value. Values arrive as int64
// when emitted in process and as float64 after a journal round trip.
func payloadNumber(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}
