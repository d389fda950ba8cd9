package nats

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/producer"
)

// Headers attached to every published event.
const (
	HeaderPartitionKey = "Partition-Key"
	HeaderEventType    = "Event-Type"
	HeaderDeviceID     = "Device-Id"
)

// Transport publishes producer batches to a JetStream stream. It implements
// producer.Transport.
type Transport struct {
	nc     *natsgo.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *zap.Logger

	// ownsConn is set when the transport dialed nc itself.
	ownsConn bool
	next     atomic.Uint32

	mu     sync.Mutex
	closed bool
}

var _ producer.Transport = (*Transport)(nil)

// NewTransport ensures the event stream exists and returns a transport over nc.
// The caller keeps ownership of nc.
func NewTransport(ctx context.Context, nc *natsgo.Conn, cfg Config, logger *zap.Logger) (*Transport, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}

	js, err := NewJetStream(nc)
	if err != nil {
		return nil, err
	}
	if _, err := EnsureStream(ctx, js, cfg); err != nil {
		return nil, err
	}

	return &Transport{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Partition maps a partition key onto one of n partitions. The mapping is
// stable across processes.
func Partition(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// CreateBatch starts an empty batch bound to the partition of partitionKey.
// An empty key spreads batches round robin over the partitions.
func (t *Transport) CreateBatch(_ context.Context, partitionKey string) (producer.Batch, error) {
	if t.isClosed() {
		return nil, producer.ErrClosed
	}

	var partition int
	if partitionKey == "" {
		partition = int((t.next.Add(1) - 1) % uint32(t.cfg.Partitions))
	} else {
		partition = Partition(partitionKey, t.cfg.Partitions)
	}

	return &Batch{
		key:      partitionKey,
		subject:  t.cfg.PartitionSubject(partition),
		maxBytes: t.cfg.MaxBatchBytes,
	}, nil
}

// SendBatch publishes every message of the batch and waits until the stream
// has acknowledged all of them.
func (t *Transport) SendBatch(ctx context.Context, b producer.Batch) error {
	batch, ok := b.(*Batch)
	if !ok {
		return fmt.Errorf("%w: foreign batch type %T", producer.ErrDeliveryFailed, b)
	}
	if t.isClosed() {
		return fmt.Errorf("%w: %w", producer.ErrDeliveryFailed, producer.ErrClosed)
	}
	if len(batch.msgs) == 0 {
		return nil
	}

	futures := make([]jetstream.PubAckFuture, 0, len(batch.msgs))
	for _, msg := range batch.msgs {
		f, err := t.js.PublishMsgAsync(msg)
		if err != nil {
			return fmt.Errorf("%w: publish to %s: %w", producer.ErrDeliveryFailed, msg.Subject, err)
		}
		futures = append(futures, f)
	}

	ackCtx, cancel := context.WithTimeout(ctx, t.cfg.AckTimeout)
	defer cancel()

	var failed []error
	for _, f := range futures {
		select {
		case <-f.Ok():
		case err := <-f.Err():
			failed = append(failed, err)
		case <-ackCtx.Done():
			return fmt.Errorf("%w: waiting for acks: %w", producer.ErrDeliveryFailed, ackCtx.Err())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %d of %d messages not acknowledged: %w",
			producer.ErrDeliveryFailed, len(failed), len(futures), errors.Join(failed...))
	}

	t.logger.Debug("Batch published",
		zap.String("subject", batch.subject),
		zap.Int("messages", len(batch.msgs)),
		zap.Int("bytes", batch.size))
	return nil
}

// Close drops the connection when the transport dialed it. Further calls
// are no-ops.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.ownsConn {
		// Drain flushes pending publishes before closing.
		if err := t.nc.Drain(); err != nil {
			t.nc.Close()
			return fmt.Errorf("failed to drain NATS connection: %w", err)
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Batch is a byte-bounded group of messages for one partition subject.
type Batch struct {
	key      string
	subject  string
	maxBytes int
	size     int
	msgs     []*natsgo.Msg
}

var _ producer.Batch = (*Batch)(nil)

// Add appends one event. Size accounts for subject, headers and payload.
func (b *Batch) Add(data []byte, properties map[string]string) error {
	msg := natsgo.NewMsg(b.subject)
	msg.Data = data
	if id := properties[domain.FieldID]; id != "" {
		msg.Header.Set(natsgo.MsgIdHdr, id)
	}
	if b.key != "" {
		msg.Header.Set(HeaderPartitionKey, b.key)
	}
	if v := properties[domain.FieldEventType]; v != "" {
		msg.Header.Set(HeaderEventType, v)
	}
	if v := properties[domain.FieldDeviceID]; v != "" {
		msg.Header.Set(HeaderDeviceID, v)
	}

	n := messageSize(msg)
	if n > b.maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", producer.ErrEventTooLarge, n, b.maxBytes)
	}
	if b.size+n > b.maxBytes {
		return producer.ErrBatchFull
	}

	b.msgs = append(b.msgs, msg)
	b.size += n
	return nil
}

// Len returns the number of messages in the batch.
func (b *Batch) Len() int { return len(b.msgs) }

// PartitionKey returns the key the batch was created with.
func (b *Batch) PartitionKey() string { return b.key }

// Subject returns the partition subject the batch publishes to.
func (b *Batch) Subject() string { return b.subject }

func messageSize(msg *natsgo.Msg) int {
	n := len(msg.Subject) + len(msg.Data)
	for k, vs := range msg.Header {
		for _, v := range vs {
			// "key: value\r\n"
			n += len(k) + len(v) + 4
		}
	}
	return n
}

// Dialer opens a dedicated connection per transport. It implements
// producer.Connector for the connect-per-send producer.
type Dialer struct {
	Config Config
	Logger *zap.Logger
}

var _ producer.Connector = (*Dialer)(nil)

// Connect dials the server and returns a transport that owns the connection.
func (d *Dialer) Connect(ctx context.Context) (producer.Transport, error) {
	nc, err := Connect(d.Config, d.Logger)
	if err != nil {
		return nil, err
	}
	t, err := NewTransport(ctx, nc, d.Config, d.Logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	t.ownsConn = true
	return t, nil
}
