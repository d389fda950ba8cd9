package producer

import (
	"context"
	"errors"
	"sync"
)

// fakeBatch holds events up to a byte capacity.
type fakeBatch struct {
	key      string
	capacity int
	size     int
	items    [][]byte
	props    []map[string]string
}

func (b *fakeBatch) Add(data []byte, properties map[string]string) error {
	if len(data) > b.capacity {
		return ErrEventTooLarge
	}
	if b.size+len(data) > b.capacity {
		return ErrBatchFull
	}
	b.size += len(data)
	b.items = append(b.items, data)
	b.props = append(b.props, properties)
	return nil
}

func (b *fakeBatch) Len() int             { return len(b.items) }
func (b *fakeBatch) PartitionKey() string { return b.key }

type fakeTransport struct {
	mu       sync.Mutex
	capacity int
	// failOn makes the n-th SendBatch call (1-based) fail.
	failOn    int
	created   int
	sendCalls int
	delivered []*fakeBatch
	closed    int
}

func newFakeTransport(capacity int) *fakeTransport {
	return &fakeTransport{capacity: capacity}
}

func (t *fakeTransport) CreateBatch(_ context.Context, partitionKey string) (Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created++
	return &fakeBatch{key: partitionKey, capacity: t.capacity}, nil
}

func (t *fakeTransport) SendBatch(_ context.Context, batch Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendCalls++
	if t.failOn > 0 && t.sendCalls == t.failOn {
		return errors.New("hub unavailable")
	}
	t.delivered = append(t.delivered, batch.(*fakeBatch))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) deliveredEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.delivered {
		n += b.Len()
	}
	return n
}

func (t *fakeTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created + t.sendCalls
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
