package functions

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/metrics"
)

// StreamTrigger turns stream events into documents and upserts them.
type StreamTrigger struct {
	sink    DocumentSink
	metrics *metrics.Collector
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	documentsWritten metric.Int64Counter
	eventsSkipped    metric.Int64Counter
}

// NewStreamTrigger creates the stream trigger.
func NewStreamTrigger(sink DocumentSink, collector *metrics.Collector, logger *zap.Logger) (*StreamTrigger, error) {
	if sink == nil {
		return nil, fmt.Errorf("document sink cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &StreamTrigger{
		sink:             sink,
		metrics:          collector,
		logger:           logger,
		tracer:           tracer(),
		now:              func() time.Time { return time.Now().UTC() },
		documentsWritten: newCounter(logger, "stream_trigger_documents_written_total", "Documents written by the stream trigger"),
		eventsSkipped:    newCounter(logger, "stream_trigger_events_skipped_total", "Stream events skipped as undecodable or rejected"),
	}, nil
}

// Register binds the trigger under name.
func (s *StreamTrigger) Register(r *Registry, name string) error {
	return r.Stream(name, s.Handle)
}

// Handle processes one delivered batch. Undecodable payloads and records the
// store rejects are logged and skipped. A store failure fails the batch so
// the stream redelivers it; upserts by id make the repeat harmless.
func (s *StreamTrigger) Handle(ctx context.Context, events []domain.StreamEvent) error {
	ctx, span := s.tracer.Start(ctx, "functions.stream_trigger",
		trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()

	s.logger.Info("Stream trigger function processing events", zap.Int("events", len(events)))

	written := 0
	for _, ev := range events {
		s.metrics.Inc(metrics.EventsReceived)

		payload, err := domain.DecodeEvent(ev.Body)
		if err != nil {
			s.metrics.Inc(metrics.EventsFailed)
			if s.eventsSkipped != nil {
				s.eventsSkipped.Add(ctx, 1)
			}
			s.logger.Error("Failed to parse event JSON",
				zap.String("partition", ev.Partition),
				zap.Uint64("sequence_number", ev.SequenceNumber),
				zap.Error(err))
			continue
		}

		now := s.now()
		doc := streamDocument(payload, ev, now)
		if err := s.sink.Upsert(ctx, doc); err != nil {
			s.metrics.Inc(metrics.EventsFailed)
			if RejectedRecord(err) {
				if s.eventsSkipped != nil {
					s.eventsSkipped.Add(ctx, 1)
				}
				s.logger.Error("Document rejected by store",
					zap.String("event_id", doc.ID()),
					zap.String("partition", ev.Partition),
					zap.Uint64("sequence_number", ev.SequenceNumber),
					zap.Error(err))
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to upsert document %s: %w", doc.ID(), err)
		}

		written++
		s.metrics.Inc(metrics.EventsProcessed)
		if ts, ok := domain.ParseTimestamp(payload.Timestamp()); ok {
			s.metrics.RecordLatency(float64(now.Sub(ts).Microseconds()) / 1000)
		}
		s.logger.Debug("Processed event",
			zap.String("event_id", doc.ID()),
			zap.String("partition_key", ev.PartitionKey),
			zap.Uint64("sequence_number", ev.SequenceNumber))
	}

	if s.documentsWritten != nil && written > 0 {
		s.documentsWritten.Add(ctx, int64(written))
	}
	if written == 0 {
		s.logger.Warn("No documents to save")
		return nil
	}
	s.logger.Info("Successfully saved documents", zap.Int("documents", written))
	return nil
}

func streamDocument(payload domain.Event, ev domain.StreamEvent, now time.Time) domain.Document {
	return domain.Document{
		domain.FieldID:          payload.StringOr(domain.FieldID, fmt.Sprintf("evt-%d", ev.SequenceNumber)),
		domain.FieldDeviceID:    payload.StringOr(domain.FieldDeviceID, "unknown"),
		domain.FieldEventType:   payload.StringOr(domain.FieldEventType, domain.EventTypeTelemetry),
		domain.FieldTimestamp:   payload[domain.FieldTimestamp],
		domain.FieldData:        payload.Data(),
		domain.FieldLocation:    payload.Location(),
		domain.FieldStream:      ev.Metadata(),
		domain.FieldProcessedAt: domain.FormatTimestamp(now),
		domain.FieldSource:      domain.SourceStreamTrigger,
		domain.FieldStatus:      domain.StatusProcessed,
	}
}
