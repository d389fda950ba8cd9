// Package producer turns event records into transport-sized batches and
// delivers them to the stream.
package producer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/metrics"
)

// Option configures a producer.
type Option func(*options)

type options struct {
	metrics *metrics.Collector
}

// WithMetrics records events_sent and events_failed in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// EventProducer sends events over a long-lived transport connection.
// Calls are blocking and sequential; one instance drives one batch at a time.
type EventProducer struct {
	transport Transport
	logger    *zap.Logger
	metrics   *metrics.Collector
	inst      *instrumentation

	mu     sync.Mutex
	closed bool
}

// NewEventProducer creates a producer that owns transport.
func NewEventProducer(transport Transport, logger *zap.Logger, opts ...Option) (*EventProducer, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return &EventProducer{
		transport: transport,
		logger:    logger,
		metrics:   o.metrics,
		inst:      newInstrumentation(logger),
	}, nil
}

// CreateSampleEvent builds a synthetic telemetry event for deviceID.
func (p *EventProducer) CreateSampleEvent(deviceID string) domain.Event {
	return CreateSampleEvent(deviceID)
}

// SendEventsSync batches events and delivers every batch before returning.
// An empty input returns immediately without touching the transport.
//
// The report always covers every input event. A delivery failure stops the
// send and is returned wrapped in ErrDeliveryFailed together with the report
// of what was delivered before it.
func (p *EventProducer) SendEventsSync(ctx context.Context, events []domain.Event, partitionKey string) (*SendReport, error) {
	if len(events) == 0 {
		p.logger.Warn("No events to send")
		return &SendReport{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	b := &batcher{
		transport:    p.transport,
		partitionKey: partitionKey,
		logger:       p.logger,
		metrics:      p.metrics,
		inst:         p.inst,
	}
	report, err := b.run(ctx, events)
	if err != nil {
		p.logger.Error("Failed to send events",
			zap.Int("sent", report.Sent),
			zap.Int("total", len(events)),
			zap.Error(err))
		return report, err
	}

	p.logger.Info("Successfully sent events",
		zap.Int("sent", report.Sent),
		zap.Int("batches", report.Batches),
		zap.Int("rejected", len(events)-report.Sent))
	return report, nil
}

// SendSingleEvent sends one event and reports whether it was accepted.
// Failures are logged, not returned.
func (p *EventProducer) SendSingleEvent(ctx context.Context, event domain.Event, partitionKey string) bool {
	report, err := p.SendEventsSync(ctx, []domain.Event{event}, partitionKey)
	if err != nil {
		p.logger.Error("Failed to send single event", zap.String("event_id", event.ID()), zap.Error(err))
		return false
	}
	return report.Sent == 1
}

// Close releases the transport connection. Calling it again is a no-op.
func (p *EventProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	p.logger.Info("Producer connection closed")
	return nil
}
