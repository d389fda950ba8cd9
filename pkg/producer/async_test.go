package producer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingConnector struct {
	connects   atomic.Int32
	transports []*fakeTransport
	next       func() *fakeTransport
	err        error
}

func (c *countingConnector) Connect(context.Context) (Transport, error) {
	c.connects.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	tr := c.next()
	c.transports = append(c.transports, tr)
	return tr, nil
}

func TestNewAsyncEventProducer(t *testing.T) {
	_, err := NewAsyncEventProducer(nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewAsyncEventProducer(&countingConnector{}, nil)
	assert.Error(t, err)
}

func TestAsyncEventProducer_SendEvents(t *testing.T) {
	conn := &countingConnector{next: func() *fakeTransport { return newFakeTransport(1 << 20) }}
	p, err := NewAsyncEventProducer(conn, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := p.SendEvents(context.Background(), sampleEvents(4), "device-001")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Sent)

	require.Len(t, conn.transports, 1)
	assert.Equal(t, 1, conn.transports[0].closeCount())
}

func TestAsyncEventProducer_EmptySkipsConnect(t *testing.T) {
	conn := &countingConnector{next: func() *fakeTransport { return newFakeTransport(1024) }}
	p, err := NewAsyncEventProducer(conn, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := p.SendEvents(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, int32(0), conn.connects.Load())
}

func TestAsyncEventProducer_ReleasesConnectionOnFailure(t *testing.T) {
	conn := &countingConnector{next: func() *fakeTransport {
		tr := newFakeTransport(1 << 20)
		tr.failOn = 1
		return tr
	}}
	p, err := NewAsyncEventProducer(conn, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := p.SendEvents(context.Background(), sampleEvents(3), "")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 0, report.Sent)
	require.Len(t, conn.transports, 1)
	assert.Equal(t, 1, conn.transports[0].closeCount())
}

func TestAsyncEventProducer_ReleasesConnectionOnCancel(t *testing.T) {
	conn := &countingConnector{next: func() *fakeTransport { return newFakeTransport(1 << 20) }}
	p, err := NewAsyncEventProducer(conn, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.SendEvents(ctx, sampleEvents(3), "")
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, conn.transports, 1)
	assert.Equal(t, 1, conn.transports[0].closeCount())
}

func TestAsyncEventProducer_ConnectFailure(t *testing.T) {
	conn := &countingConnector{err: errors.New("dial refused")}
	p, err := NewAsyncEventProducer(conn, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := p.SendEvents(context.Background(), sampleEvents(2), "")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.ErrorIs(t, res.Err, ErrNotAttempted)
	}
}

func TestAsyncEventProducer_SendEventsAsync(t *testing.T) {
	conn := &countingConnector{next: func() *fakeTransport { return newFakeTransport(1 << 20) }}
	p, err := NewAsyncEventProducer(conn, zaptest.NewLogger(t))
	require.NoError(t, err)

	first := p.SendEventsAsync(context.Background(), sampleEvents(3), "a")
	second := p.SendEventsAsync(context.Background(), sampleEvents(2), "b")

	total := 0
	for _, ch := range []<-chan AsyncResult{first, second} {
		select {
		case res := <-ch:
			require.NoError(t, res.Err)
			total += res.Report.Sent
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for async send")
		}
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, int32(2), conn.connects.Load())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.SendEvents(context.Background(), sampleEvents(1), "")
	assert.ErrorIs(t, err, ErrClosed)
}

type blockingConnector struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingConnector) Connect(context.Context) (Transport, error) {
	close(c.entered)
	<-c.release
	return newFakeTransport(1 << 20), nil
}

func TestAsyncEventProducer_CloseWaitsForSends(t *testing.T) {
	conn := &blockingConnector{entered: make(chan struct{}), release: make(chan struct{})}
	p, err := NewAsyncEventProducer(conn, zaptest.NewLogger(t))
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() {
		_, err := p.SendEvents(context.Background(), sampleEvents(2), "a")
		sent <- err
	}()
	<-conn.entered

	closed := make(chan struct{})
	go func() {
		_ = p.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a send was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(conn.release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	require.NoError(t, <-sent)

	res := <-p.SendEventsAsync(context.Background(), sampleEvents(1), "")
	assert.ErrorIs(t, res.Err, ErrClosed)
}
