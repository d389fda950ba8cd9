package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/producer"
)

// Test helpers
func startTestNATSServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	opts := &server.Options{
		Port:      -1, // Random port
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	return ns, ns.ClientURL()
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.StreamName = fmt.Sprintf("TEST_EVENTS_%d", time.Now().UnixNano())
	cfg.SubjectPrefix = strings.ToLower(cfg.StreamName)
	cfg.Storage = "memory"
	return cfg
}

func connect(t *testing.T, cfg Config) (*natsgo.Conn, jetstream.JetStream) {
	t.Helper()
	nc, err := Connect(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := NewJetStream(nc)
	require.NoError(t, err)
	return nc, js
}

func sampleEvents(n int) []domain.Event {
	events := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, producer.CreateSampleEvent(fmt.Sprintf("device-%03d", i%3+1)))
	}
	return events
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty url", mutate: func(c *Config) { c.URL = "" }, wantErr: true},
		{name: "wildcard prefix", mutate: func(c *Config) { c.SubjectPrefix = "events.>" }, wantErr: true},
		{name: "no partitions", mutate: func(c *Config) { c.Partitions = 0 }, wantErr: true},
		{name: "bad storage", mutate: func(c *Config) { c.Storage = "tape" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPartition_Stable(t *testing.T) {
	p := Partition("device-001", 4)
	for i := 0; i < 10; i++ {
		assert.Equal(t, p, Partition("device-001", 4))
	}
	assert.True(t, p >= 0 && p < 4)
}

func TestTransport_SendAndRead(t *testing.T) {
	_, url := startTestNATSServer(t)
	cfg := testConfig(url)
	nc, js := connect(t, cfg)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	transport, err := NewTransport(ctx, nc, cfg, logger)
	require.NoError(t, err)

	p, err := producer.NewEventProducer(transport, logger)
	require.NoError(t, err)

	events := sampleEvents(10)
	report, err := p.SendEventsSync(ctx, events, "device-001")
	require.NoError(t, err)
	assert.Equal(t, 10, report.Sent)
	assert.Equal(t, 1, report.Batches)

	reader, err := NewReader(js, cfg, logger)
	require.NoError(t, err)

	got, err := reader.Read(ctx, 20, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 10)

	wantPartition := strconv.Itoa(Partition("device-001", cfg.Partitions))
	for i, ev := range got {
		assert.Equal(t, wantPartition, ev.Partition)
		assert.Equal(t, "device-001", ev.PartitionKey)
		assert.Equal(t, uint64(i+1), ev.SequenceNumber)
		assert.False(t, ev.EnqueuedTime.IsZero())

		decoded, err := domain.DecodeEvent(ev.Body)
		require.NoError(t, err)
		assert.Equal(t, events[i].ID(), decoded.ID())
		assert.Equal(t, events[i].DeviceID(), ev.Properties[HeaderDeviceID])
	}

	// Closing a transport over a borrowed connection leaves it open.
	require.NoError(t, transport.Close())
	assert.True(t, nc.IsConnected())
}

func TestTransport_SplitsAndRejects(t *testing.T) {
	_, url := startTestNATSServer(t)
	cfg := testConfig(url)
	cfg.MaxBatchBytes = 1200
	nc, _ := connect(t, cfg)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	transport, err := NewTransport(ctx, nc, cfg, logger)
	require.NoError(t, err)
	p, err := producer.NewEventProducer(transport, logger)
	require.NoError(t, err)

	events := sampleEvents(12)
	events = append(events, domain.Event{
		domain.FieldID:   "oversized",
		domain.FieldData: map[string]interface{}{"blob": strings.Repeat("x", 2000)},
	})

	report, err := p.SendEventsSync(ctx, events, "")
	require.NoError(t, err)
	assert.Equal(t, 12, report.Sent)
	assert.Greater(t, report.Batches, 1)

	rejected := report.Rejected()
	require.Len(t, rejected, 1)
	assert.Equal(t, "oversized", rejected[0].ID)
	assert.ErrorIs(t, rejected[0].Err, producer.ErrEventTooLarge)
}

func TestTransport_DuplicateIDs(t *testing.T) {
	_, url := startTestNATSServer(t)
	cfg := testConfig(url)
	nc, js := connect(t, cfg)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	transport, err := NewTransport(ctx, nc, cfg, logger)
	require.NoError(t, err)
	p, err := producer.NewEventProducer(transport, logger)
	require.NoError(t, err)

	ev := producer.CreateSampleEvent("device-001")
	require.True(t, p.SendSingleEvent(ctx, ev, "device-001"))
	require.True(t, p.SendSingleEvent(ctx, ev, "device-001"))

	stream, err := js.Stream(ctx, cfg.StreamName)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestDialer_OwnsConnection(t *testing.T) {
	_, url := startTestNATSServer(t)
	cfg := testConfig(url)
	logger := zaptest.NewLogger(t)

	async, err := producer.NewAsyncEventProducer(&Dialer{Config: cfg, Logger: logger}, logger)
	require.NoError(t, err)
	defer async.Close()

	select {
	case res := <-async.SendEventsAsync(context.Background(), sampleEvents(5), "device-002"):
		require.NoError(t, res.Err)
		assert.Equal(t, 5, res.Report.Sent)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for async send")
	}
}

func TestConsumer_AckAndRedeliver(t *testing.T) {
	_, url := startTestNATSServer(t)
	cfg := testConfig(url)
	nc, js := connect(t, cfg)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	transport, err := NewTransport(ctx, nc, cfg, logger)
	require.NoError(t, err)
	p, err := producer.NewEventProducer(transport, logger)
	require.NoError(t, err)
	_, err = p.SendEventsSync(ctx, sampleEvents(3), "device-003")
	require.NoError(t, err)

	consumer, err := NewConsumer(ctx, js, cfg, ConsumerConfig{
		Durable:   "test-trigger",
		BatchSize: 10,
		FetchWait: 500 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	failing := func(context.Context, []domain.StreamEvent) error { return errors.New("sink down") }
	n, err := consumer.Poll(ctx, failing)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got []domain.StreamEvent
	collect := func(_ context.Context, events []domain.StreamEvent) error {
		got = append(got, events...)
		return nil
	}
	require.Eventually(t, func() bool {
		_, err := consumer.Poll(ctx, collect)
		return err == nil && len(got) >= 3
	}, 10*time.Second, 10*time.Millisecond)

	stats := consumer.Stats()
	assert.Equal(t, int64(3), stats.Nacked)
	assert.Equal(t, int64(3), stats.Acked)
	for _, ev := range got {
		assert.Equal(t, "device-003", ev.PartitionKey)
		assert.NotZero(t, ev.Offset)
	}
}

func TestDocumentStore(t *testing.T) {
	_, url := startTestNATSServer(t)
	cfg := testConfig(url)
	_, js := connect(t, cfg)
	ctx := context.Background()

	store, err := NewDocumentStore(ctx, js, "docs_store_test", zaptest.NewLogger(t))
	require.NoError(t, err)

	doc := domain.Document{domain.FieldID: "evt-1", domain.FieldDeviceID: "device-001", "v": float64(1)}
	require.NoError(t, store.Upsert(ctx, doc))

	doc["v"] = float64(2)
	require.NoError(t, store.Upsert(ctx, doc))

	got, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got["v"])

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"", "has space", "wild*", ".leading"} {
		err := store.Upsert(ctx, domain.Document{domain.FieldID: id})
		assert.ErrorIs(t, err, ErrInvalidKey, "id %q", id)
		assert.ErrorIs(t, err, domain.ErrInvalidID, "id %q", id)
	}
}

func TestValidKey(t *testing.T) {
	for _, id := range []string{"evt-1", "a/b", "x_y=z", "v1.2"} {
		assert.True(t, ValidKey(id), id)
	}
	for _, id := range []string{"", "evt 1", "a:b", "wild*", ".leading", "trailing."} {
		assert.False(t, ValidKey(id), id)
	}
}

func TestChangeFeed_CheckpointAndResume(t *testing.T) {
	_, url := startTestNATSServer(t)
	cfg := testConfig(url)
	_, js := connect(t, cfg)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	feedCfg := ChangeFeedConfig{
		Name:          "test-processor",
		Bucket:        "feed_docs",
		LeaseBucket:   "feed_leases",
		MaxBatch:      10,
		FlushInterval: 50 * time.Millisecond,
		RetryDelay:    time.Millisecond,
	}

	store, err := NewDocumentStore(ctx, js, feedCfg.Bucket, logger)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Upsert(ctx, domain.Document{domain.FieldID: fmt.Sprintf("doc-%d", i)}))
	}

	runFeed := func(want int) []string {
		feed, err := NewChangeFeed(ctx, js, feedCfg, logger)
		require.NoError(t, err)

		var (
			mu  sync.Mutex
			ids []string
		)
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- feed.Run(runCtx, func(_ context.Context, docs []domain.Document) error {
				mu.Lock()
				defer mu.Unlock()
				for _, d := range docs {
					ids = append(ids, d.ID())
				}
				return nil
			})
		}()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(ids) >= want
		}, 10*time.Second, 10*time.Millisecond)

		// Let the checkpoint land before stopping.
		require.Eventually(t, func() bool {
			rev, err := feed.Checkpoint(ctx)
			return err == nil && rev > 0
		}, 5*time.Second, 10*time.Millisecond)

		cancel()
		require.NoError(t, <-done)

		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ids...)
	}

	first := runFeed(3)
	assert.Equal(t, []string{"doc-1", "doc-2", "doc-3"}, first)

	require.NoError(t, store.Upsert(ctx, domain.Document{domain.FieldID: "doc-4"}))

	second := runFeed(1)
	assert.Equal(t, []string{"doc-4"}, second)

	// Another processor on its own lease reads the bucket from the start.
	feedCfg.Name = "enrichment-processor"
	feedCfg.LeaseBucket = "feed_enrichment_leases"
	third := runFeed(4)
	assert.Equal(t, []string{"doc-1", "doc-2", "doc-3", "doc-4"}, third)
}

func TestChangeFeed_HandlerFailureStopsWithoutCheckpoint(t *testing.T) {
	_, url := startTestNATSServer(t)
	cfg := testConfig(url)
	_, js := connect(t, cfg)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	feedCfg := ChangeFeedConfig{
		Name:          "failing-processor",
		Bucket:        "fail_docs",
		LeaseBucket:   "fail_leases",
		FlushInterval: 50 * time.Millisecond,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	}
	store, err := NewDocumentStore(ctx, js, feedCfg.Bucket, logger)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, domain.Document{domain.FieldID: "doc-1"}))

	feed, err := NewChangeFeed(ctx, js, feedCfg, logger)
	require.NoError(t, err)

	calls := 0
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = feed.Run(runCtx, func(context.Context, []domain.Document) error {
		calls++
		return errors.New("downstream unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	rev, err := feed.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rev)
}
