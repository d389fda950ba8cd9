package producer

import (
	"context"
	"errors"
)

var (
	// ErrBatchFull is returned by Batch.Add when the event does not fit the
	// remaining capacity. The producer flushes and starts a new batch.
	ErrBatchFull = errors.New("batch full")

	// ErrEventTooLarge is returned by Batch.Add when the event would not fit
	// even an empty batch.
	ErrEventTooLarge = errors.New("event exceeds maximum batch size")

	// ErrDeliveryFailed wraps transport failures while delivering a batch.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrClosed is returned when sending on a closed producer.
	ErrClosed = errors.New("producer is closed")
)

// Batch is a size-bounded group of serialized events. Once handed to
// Transport.SendBatch it is accepted or rejected as a whole.
type Batch interface {
	// Add appends a serialized event. It fails with ErrBatchFull when the
	// transport's capacity would be exceeded.
	Add(data []byte, properties map[string]string) error
	Len() int
	PartitionKey() string
}

// Transport is the batching and delivery capability of the stream.
type Transport interface {
	CreateBatch(ctx context.Context, partitionKey string) (Batch, error)
	// SendBatch delivers the batch. Errors wrap ErrDeliveryFailed.
	SendBatch(ctx context.Context, batch Batch) error
	Close() error
}

// Connector opens a fresh transport connection.
type Connector interface {
	Connect(ctx context.Context) (Transport, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Transport, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context) (Transport, error) {
	return f(ctx)
}
