package producer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// instrumentation holds the OTEL tracer and counters shared by both producers.
type instrumentation struct {
	tracer           trace.Tracer
	eventsSent       metric.Int64Counter
	eventsRejected   metric.Int64Counter
	batchesDelivered metric.Int64Counter
	batchesFailed    metric.Int64Counter
}

func newInstrumentation(logger *zap.Logger) *instrumentation {
	inst := &instrumentation{
		tracer: otel.Tracer("eventpipe.producer"),
	}
	meter := otel.Meter("eventpipe.producer")

	var err error
	inst.eventsSent, err = meter.Int64Counter(
		"producer_events_sent_total",
		metric.WithDescription("Total events delivered to the stream"),
	)
	if err != nil {
		logger.Warn("Failed to create events sent counter", zap.Error(err))
	}

	inst.eventsRejected, err = meter.Int64Counter(
		"producer_events_rejected_total",
		metric.WithDescription("Total events rejected before or during delivery"),
	)
	if err != nil {
		logger.Warn("Failed to create events rejected counter", zap.Error(err))
	}

	inst.batchesDelivered, err = meter.Int64Counter(
		"producer_batches_delivered_total",
		metric.WithDescription("Total batches accepted by the stream"),
	)
	if err != nil {
		logger.Warn("Failed to create batches delivered counter", zap.Error(err))
	}

	inst.batchesFailed, err = meter.Int64Counter(
		"producer_batches_failed_total",
		metric.WithDescription("Total batches the stream did not accept"),
	)
	if err != nil {
		logger.Warn("Failed to create batches failed counter", zap.Error(err))
	}

	return inst
}

func (i *instrumentation) batchDelivered(ctx context.Context, partitionKey string, events int) {
	attrs := metric.WithAttributes(attribute.String("partition_key", partitionKey))
	if i.batchesDelivered != nil {
		i.batchesDelivered.Add(ctx, 1, attrs)
	}
	if i.eventsSent != nil {
		i.eventsSent.Add(ctx, int64(events), attrs)
	}
}

func (i *instrumentation) batchFailed(ctx context.Context, partitionKey string) {
	if i.batchesFailed != nil {
		i.batchesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("partition_key", partitionKey)))
	}
}

func (i *instrumentation) eventRejected(ctx context.Context, reason string) {
	if i.eventsRejected != nil {
		i.eventsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
