package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// DispatchObserver records dispatch outcomes into OpenTelemetry. It is
// the synchronous counterpart of MetricsHandler: install it with
// dispatch.SetObserver and it sees every outcome even when no event bus
// is wired.
type DispatchObserver struct {
	tracer trace.Tracer

	calls      metric.Int64Counter
	rejections metric.Int64Counter
	queued     metric.Int64Counter
	latency    metric.Float64Histogram
	queueWait  metric.Float64Histogram
}

// NewDispatchObserver creates a dispatch observer bound to the provided
// meter/tracer.
func NewDispatchObserver(meter metric.Meter, tracer trace.Tracer) (*DispatchObserver, error) {
	calls, err := meter.Int64Counter(
		"fusion.dispatch.calls",
		metric.WithDescription("Number of dispatched calls"),
	)
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter(
		"fusion.dispatch.rejections",
		metric.WithDescription("Number of calls rejected before the handler ran"),
	)
	if err != nil {
		return nil, err
	}
	queued, err := meter.Int64Counter(
		"fusion.dispatch.queued",
		metric.WithDescription("Number of calls that waited for an admission slot"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"fusion.dispatch.latency",
		metric.WithDescription("Call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	queueWait, err := meter.Float64Histogram(
		"fusion.dispatch.queue_wait",
		metric.WithDescription("Admission wait in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchObserver{
		tracer:     tracer,
		calls:      calls,
		rejections: rejections,
		queued:     queued,
		latency:    latency,
		queueWait:  queueWait,
	}, nil
}

// ObserveCall records one completed call.
func (o *DispatchObserver) ObserveCall(observation dispatch.CallObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", observation.Tool),
		attribute.String("action", observation.Action),
		attribute.Bool("success", observation.Success),
		attribute.Bool("queued", observation.Queued),
		attribute.Bool("truncated", observation.Truncated),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.calls.Add(ctx, 1, options)
	o.latency.Record(ctx, (time.Duration(observation.DurationMS) * time.Millisecond).Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "dispatch.call", trace.WithAttributes(attrs...))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveReject records one call turned away before its handler ran.
func (o *DispatchObserver) ObserveReject(observation dispatch.RejectObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", observation.Tool),
		attribute.String("action", observation.Action),
		attribute.String("code", observation.Code),
	}
	o.rejections.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveQueue records one admission wait.
func (o *DispatchObserver) ObserveQueue(observation dispatch.QueueObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", observation.Tool),
		attribute.String("action", observation.Action),
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.queued.Add(ctx, 1, options)
	o.queueWait.Record(ctx, (time.Duration(observation.WaitMS) * time.Millisecond).Seconds(), options)
}

var _ dispatch.Observer = (*DispatchObserver)(nil)
