package producer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/metrics"
)

// batcher drives one send: it fills transport batches until they report
// full, delivers them, and records per-event outcomes.
type batcher struct {
	transport    Transport
	partitionKey string
	logger       *zap.Logger
	metrics      *metrics.Collector
	inst         *instrumentation

	report  *SendReport
	batch   Batch
	pending []int
}

func (b *batcher) run(ctx context.Context, events []domain.Event) (*SendReport, error) {
	ctx, span := b.inst.tracer.Start(ctx, "producer.send_events",
		trace.WithAttributes(
			attribute.Int("events", len(events)),
			attribute.String("partition_key", b.partitionKey),
		))
	defer span.End()

	b.report = &SendReport{Results: make([]EventResult, len(events))}
	for i, ev := range events {
		b.report.Results[i] = EventResult{Index: i, ID: ev.ID()}
	}

	err := b.fill(ctx, events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("sent", b.report.Sent),
		attribute.Int("batches", b.report.Batches),
	)
	return b.report, err
}

func (b *batcher) fill(ctx context.Context, events []domain.Event) error {
	var err error
	if b.batch, err = b.transport.CreateBatch(ctx, b.partitionKey); err != nil {
		err = asDeliveryError(fmt.Errorf("create batch: %w", err))
		b.abort(0, err)
		return err
	}

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			b.abort(i, err)
			return err
		}

		data, err := domain.EncodeJSON(ev)
		if err != nil {
			b.reject(ctx, i, err, "serialization")
			continue
		}
		props := properties(ev)

		err = b.batch.Add(data, props)
		if errors.Is(err, ErrBatchFull) && b.batch.Len() > 0 {
			b.logger.Info("Batch full, sending",
				zap.Int("events", b.batch.Len()),
				zap.String("partition_key", b.partitionKey))
			if err := b.flush(ctx); err != nil {
				b.abort(i, err)
				return err
			}
			if b.batch, err = b.transport.CreateBatch(ctx, b.partitionKey); err != nil {
				err = asDeliveryError(fmt.Errorf("create batch: %w", err))
				b.abort(i, err)
				return err
			}
			err = b.batch.Add(data, props)
		}
		if err != nil {
			b.reject(ctx, i, err, reason(err))
			continue
		}
		b.pending = append(b.pending, i)
	}

	if b.batch.Len() > 0 {
		return b.flush(ctx)
	}
	return nil
}

// flush delivers the current batch and settles the events it holds.
func (b *batcher) flush(ctx context.Context) error {
	n := len(b.pending)
	if err := b.transport.SendBatch(ctx, b.batch); err != nil {
		err = asDeliveryError(err)
		for _, idx := range b.pending {
			b.report.Results[idx].Err = err
		}
		b.pending = b.pending[:0]
		b.inst.batchFailed(ctx, b.partitionKey)
		if b.metrics != nil {
			b.metrics.Increment(metrics.EventsFailed, float64(n))
		}
		b.logger.Error("Failed to send batch",
			zap.Int("events", n),
			zap.String("partition_key", b.partitionKey),
			zap.Error(err))
		return err
	}

	for _, idx := range b.pending {
		b.report.Results[idx].Accepted = true
	}
	b.pending = b.pending[:0]
	b.report.Sent += n
	b.report.Batches++
	b.inst.batchDelivered(ctx, b.partitionKey, n)
	if b.metrics != nil {
		b.metrics.Increment(metrics.EventsSent, float64(n))
	}
	b.logger.Debug("Batch delivered",
		zap.Int("events", n),
		zap.Int("batches", b.report.Batches),
		zap.String("partition_key", b.partitionKey))
	return nil
}

func (b *batcher) reject(ctx context.Context, idx int, err error, why string) {
	b.report.Results[idx].Err = err
	b.inst.eventRejected(ctx, why)
	if b.metrics != nil {
		b.metrics.Inc(metrics.EventsFailed)
	}
	b.logger.Error("Event rejected",
		zap.Int("index", idx),
		zap.String("event_id", b.report.Results[idx].ID),
		zap.String("reason", why),
		zap.Error(err))
}

// abort settles everything still pending or not yet attempted from index
// from onwards. Pending events carry cause, untouched ones ErrNotAttempted.
func (b *batcher) abort(from int, cause error) {
	for _, idx := range b.pending {
		if b.report.Results[idx].Err == nil {
			b.report.Results[idx].Err = cause
		}
	}
	b.pending = b.pending[:0]
	for i := from; i < len(b.report.Results); i++ {
		if !b.report.Results[i].Accepted && b.report.Results[i].Err == nil {
			b.report.Results[i].Err = fmt.Errorf("%w: %w", ErrNotAttempted, cause)
		}
	}
}

// properties are the routing hints attached to every event. The id, when
// present, lets transports de-duplicate a re-sent batch.
func properties(ev domain.Event) map[string]string {
	props := map[string]string{
		domain.FieldEventType: ev.StringOr(domain.FieldEventType, "unknown"),
		domain.FieldDeviceID:  ev.StringOr(domain.FieldDeviceID, "unknown"),
	}
	if id := ev.ID(); id != "" {
		props[domain.FieldID] = id
	}
	return props
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrEventTooLarge), errors.Is(err, ErrBatchFull):
		return "too_large"
	default:
		return "add_failed"
	}
}

func asDeliveryError(err error) error {
	if errors.Is(err, ErrDeliveryFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
}
