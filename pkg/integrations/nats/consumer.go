package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// BatchHandler processes one fetched batch of stream events. A non-nil error
// leaves the whole batch for redelivery.
type BatchHandler func(ctx context.Context, events []domain.StreamEvent) error

// ConsumerConfig configures the durable pull consumer behind a stream trigger.
type ConsumerConfig struct {
	Durable    string        `mapstructure:"durable" yaml:"durable"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"`
	FetchWait  time.Duration `mapstructure:"fetch_wait" yaml:"fetch_wait"`
	AckWait    time.Duration `mapstructure:"ack_wait" yaml:"ack_wait"`
	MaxDeliver int           `mapstructure:"max_deliver" yaml:"max_deliver"`
}

// DefaultConsumerConfig returns the defaults used by the serve command.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Durable:    "stream-trigger",
		BatchSize:  100,
		FetchWait:  time.Second,
		AckWait:    30 * time.Second,
		MaxDeliver: 5,
	}
}

// ConsumerStats are running totals for one consumer.
type ConsumerStats struct {
	Batches  int64
	Received int64
	Acked    int64
	Nacked   int64
}

// Consumer delivers stream events to a handler in batches, at least once.
type Consumer struct {
	consumer jetstream.Consumer
	cfg      Config
	ccfg     ConsumerConfig
	logger   *zap.Logger

	batches  atomic.Int64
	received atomic.Int64
	acked    atomic.Int64
	nacked   atomic.Int64
}

// NewConsumer creates or updates the durable consumer on the event stream.
func NewConsumer(ctx context.Context, js jetstream.JetStream, cfg Config, ccfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	d := DefaultConsumerConfig()
	if ccfg.Durable == "" {
		ccfg.Durable = d.Durable
	}
	if ccfg.BatchSize <= 0 {
		ccfg.BatchSize = d.BatchSize
	}
	if ccfg.FetchWait <= 0 {
		ccfg.FetchWait = d.FetchWait
	}
	if ccfg.AckWait <= 0 {
		ccfg.AckWait = d.AckWait
	}

	stream, err := EnsureStream(ctx, js, cfg)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ccfg.Durable,
		Durable:       ccfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: cfg.Subjects(),
		AckWait:       ccfg.AckWait,
		MaxDeliver:    ccfg.MaxDeliver,
		MaxAckPending: ccfg.BatchSize * 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &Consumer{
		consumer: consumer,
		cfg:      cfg,
		ccfg:     ccfg,
		logger:   logger.With(zap.String("consumer", ccfg.Durable)),
	}, nil
}

// Run fetches batches until ctx is done.
func (c *Consumer) Run(ctx context.Context, handler BatchHandler) error {
	c.logger.Info("Starting stream consumer",
		zap.String("stream", c.cfg.StreamName),
		zap.Int("batch_size", c.ccfg.BatchSize))

	for {
		if ctx.Err() != nil {
			c.logger.Info("Stream consumer stopped",
				zap.Int64("received", c.received.Load()),
				zap.Int64("acked", c.acked.Load()),
				zap.Int64("nacked", c.nacked.Load()))
			return nil
		}
		if _, err := c.Poll(ctx, handler); err != nil {
			c.logger.Error("Fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.ccfg.FetchWait):
			}
		}
	}
}

// Poll fetches at most one batch, hands it to handler and settles it.
// It returns the number of events handled.
func (c *Consumer) Poll(ctx context.Context, handler BatchHandler) (int, error) {
	batch, err := c.consumer.Fetch(c.ccfg.BatchSize, jetstream.FetchMaxWait(c.ccfg.FetchWait))
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}

	var msgs []jetstream.Msg
	for msg := range batch.Messages() {
		msgs = append(msgs, msg)
	}
	if err := batch.Error(); err != nil && !isFetchTimeout(err) {
		c.logger.Warn("Fetch ended with error", zap.Error(err))
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	events := make([]domain.StreamEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, toStreamEvent(msg, c.cfg.SubjectPrefix))
	}
	c.batches.Add(1)
	c.received.Add(int64(len(msgs)))

	if err := handler(ctx, events); err != nil {
		c.logger.Error("Batch handler failed, requesting redelivery",
			zap.Int("events", len(msgs)),
			zap.Error(err))
		for _, msg := range msgs {
			if nerr := msg.Nak(); nerr != nil {
				c.logger.Warn("Failed to nak message", zap.Error(nerr))
			}
		}
		c.nacked.Add(int64(len(msgs)))
		return len(msgs), nil
	}

	for _, msg := range msgs {
		if aerr := msg.Ack(); aerr != nil {
			c.logger.Warn("Failed to ack message", zap.Error(aerr))
			continue
		}
		c.acked.Add(1)
	}
	return len(msgs), nil
}

// Stats returns the running totals.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Batches:  c.batches.Load(),
		Received: c.received.Load(),
		Acked:    c.acked.Load(),
		Nacked:   c.nacked.Load(),
	}
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, natsgo.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// toStreamEvent maps a JetStream message onto the stream event handed to
// triggers. Offset is the consumer sequence, SequenceNumber the stream one.
func toStreamEvent(msg jetstream.Msg, prefix string) domain.StreamEvent {
	ev := domain.StreamEvent{
		Body:       msg.Data(),
		Partition:  partitionOf(msg.Subject(), prefix),
		Properties: map[string]string{},
	}
	headers := msg.Headers()
	if headers != nil {
		ev.PartitionKey = headers.Get(HeaderPartitionKey)
		for k := range headers {
			ev.Properties[k] = headers.Get(k)
		}
	}
	if md, err := msg.Metadata(); err == nil {
		ev.SequenceNumber = md.Sequence.Stream
		ev.Offset = md.Sequence.Consumer
		ev.EnqueuedTime = md.Timestamp.UTC()
	}
	return ev
}

func partitionOf(subject, prefix string) string {
	return strings.TrimPrefix(subject, prefix+".")
}
