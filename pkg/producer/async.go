package producer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/metrics"
)

// AsyncResult is delivered on the channel returned by SendEventsAsync.
type AsyncResult struct {
	Report *SendReport
	Err    error
}

// AsyncEventProducer connects to the stream for each send and releases the
// connection when the send ends, however it ends. Sends run off the caller's
// goroutine, one at a time per producer.
type AsyncEventProducer struct {
	connector Connector
	logger    *zap.Logger
	metrics   *metrics.Collector
	inst      *instrumentation

	mu sync.Mutex

	// lifecycle guards closed and every inflight.Add so Close never waits
	// while a new send is registering.
	lifecycle sync.Mutex
	inflight  sync.WaitGroup
	closed    bool
}

// NewAsyncEventProducer creates a producer that dials through connector.
func NewAsyncEventProducer(connector Connector, logger *zap.Logger, opts ...Option) (*AsyncEventProducer, error) {
	if connector == nil {
		return nil, fmt.Errorf("connector cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return &AsyncEventProducer{
		connector: connector,
		logger:    logger,
		metrics:   o.metrics,
		inst:      newInstrumentation(logger),
	}, nil
}

// SendEventsAsync starts the send and returns at once. The channel yields
// exactly one result and is then closed.
func (p *AsyncEventProducer) SendEventsAsync(ctx context.Context, events []domain.Event, partitionKey string) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)

	if err := p.begin(); err != nil {
		out <- AsyncResult{Err: err}
		close(out)
		return out
	}
	go func() {
		defer p.inflight.Done()
		defer close(out)

		report, err := p.send(ctx, events, partitionKey)
		out <- AsyncResult{Report: report, Err: err}
	}()

	return out
}

// SendEvents has the same batching semantics as EventProducer.SendEventsSync
// but brackets the whole call with a connect and a guaranteed close.
func (p *AsyncEventProducer) SendEvents(ctx context.Context, events []domain.Event, partitionKey string) (*SendReport, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.inflight.Done()
	return p.send(ctx, events, partitionKey)
}

// begin registers a send, failing once Close has been called.
func (p *AsyncEventProducer) begin() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.inflight.Add(1)
	return nil
}

func (p *AsyncEventProducer) send(ctx context.Context, events []domain.Event, partitionKey string) (*SendReport, error) {
	if len(events) == 0 {
		return &SendReport{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	transport, err := p.connector.Connect(ctx)
	if err != nil {
		err = asDeliveryError(fmt.Errorf("connect: %w", err))
		report := &SendReport{Results: make([]EventResult, len(events))}
		for i, ev := range events {
			report.Results[i] = EventResult{Index: i, ID: ev.ID(), Err: fmt.Errorf("%w: %w", ErrNotAttempted, err)}
		}
		return report, err
	}
	defer func() {
		if cerr := transport.Close(); cerr != nil {
			p.logger.Warn("Failed to release transport connection", zap.Error(cerr))
		}
	}()

	b := &batcher{
		transport:    transport,
		partitionKey: partitionKey,
		logger:       p.logger,
		metrics:      p.metrics,
		inst:         p.inst,
	}
	report, err := b.run(ctx, events)
	if err != nil {
		return report, err
	}

	p.logger.Info("Async sent events",
		zap.Int("sent", report.Sent),
		zap.Int("batches", report.Batches))
	return report, nil
}

// Close stops accepting sends and waits for in-flight ones to finish,
// whether started through SendEvents or SendEventsAsync.
func (p *AsyncEventProducer) Close() error {
	p.lifecycle.Lock()
	if p.closed {
		p.lifecycle.Unlock()
		return nil
	}
	p.closed = true
	p.lifecycle.Unlock()

	p.inflight.Wait()
	return nil
}
