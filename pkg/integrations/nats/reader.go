package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// Reader replays the event stream from the beginning without creating
// durable state on the server.
type Reader struct {
	js     jetstream.JetStream
	cfg    Config
	logger *zap.Logger
}

// NewReader returns a reader over the configured stream.
func NewReader(js jetstream.JetStream, cfg Config, logger *zap.Logger) (*Reader, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Reader{js: js, cfg: cfg, logger: logger}, nil
}

// Read returns up to max events in stream order. It stops early once no
// message arrives within wait.
func (r *Reader) Read(ctx context.Context, max int, wait time.Duration) ([]domain.StreamEvent, error) {
	if max <= 0 {
		return nil, nil
	}
	if wait <= 0 {
		wait = time.Second
	}

	stream, err := r.js.Stream(ctx, r.cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", r.cfg.StreamName, err)
	}
	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{r.cfg.Subjects()},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ordered consumer: %w", err)
	}

	events := make([]domain.StreamEvent, 0, max)
	for len(events) < max {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		batch, err := consumer.Fetch(max-len(events), jetstream.FetchMaxWait(wait))
		if err != nil {
			return events, fmt.Errorf("fetch: %w", err)
		}
		got := 0
		for msg := range batch.Messages() {
			events = append(events, toStreamEvent(msg, r.cfg.SubjectPrefix))
			got++
		}
		if err := batch.Error(); err != nil && !isFetchTimeout(err) {
			return events, fmt.Errorf("fetch: %w", err)
		}
		if got == 0 {
			break
		}
	}

	r.logger.Debug("Read events from stream",
		zap.String("stream", r.cfg.StreamName),
		zap.Int("events", len(events)))
	return events, nil
}
