package functions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

func TestNewEnrichmentProcessor(t *testing.T) {
	_, err := NewEnrichmentProcessor(nil, zaptest.NewLogger(t))
	assert.Error(t, err)
	_, err = NewEnrichmentProcessor(newMemorySink(), nil)
	assert.Error(t, err)
}

func TestEnrichmentProcessor_Handle(t *testing.T) {
	index := newMemorySink()
	p, err := NewEnrichmentProcessor(index, zaptest.NewLogger(t))
	require.NoError(t, err)
	p.now = func() time.Time { return fixedNow }

	docs := []domain.Document{
		telemetry("t-1", map[string]interface{}{"temperature": 30.0, "humidity": 55.0}),
		{domain.FieldID: "bare"},
	}
	require.NoError(t, p.Handle(context.Background(), docs))
	assert.Equal(t, int64(2), p.Indexed())

	entry, ok := index.get("t-1")
	require.True(t, ok)
	assert.Equal(t, "device-001", entry.DeviceID())
	assert.Equal(t, domain.EventTypeTelemetry, entry.EventType())
	assert.Equal(t, []string{"humidity", "temperature"}, entry[FieldFields])
	assert.Equal(t, domain.FormatTimestamp(fixedNow), entry[FieldIndexedAt])

	bare, ok := index.get("bare")
	require.True(t, ok)
	assert.Equal(t, "unknown", bare.DeviceID())
	assert.Equal(t, []string{}, bare[FieldFields])
}

func TestEnrichmentProcessor_FailuresDoNotStopBatch(t *testing.T) {
	index := newMemorySink()
	failing := SinkFunc(func(ctx context.Context, doc domain.Document) error {
		if doc.ID() == "broken" {
			return errors.New("index unavailable")
		}
		return index.Upsert(ctx, doc)
	})
	core, logs := observer.New(zapcore.DebugLevel)
	p, err := NewEnrichmentProcessor(failing, zap.New(core))
	require.NoError(t, err)

	err = p.Handle(context.Background(), []domain.Document{
		{domain.FieldID: "broken"},
		{domain.FieldID: "fine"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Indexed())
	assert.Equal(t, int64(1), p.Failed())
	assert.Equal(t, 1, logs.FilterMessage("Enrichment error").Len())
	_, ok := index.get("fine")
	assert.True(t, ok)
}

func TestEnrichmentProcessor_Register(t *testing.T) {
	p, err := NewEnrichmentProcessor(newMemorySink(), zaptest.NewLogger(t))
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, p.Register(r, "enrichment-processor"))
	_, ok := r.ChangeFeedHandler("enrichment-processor")
	assert.True(t, ok)
	assert.Error(t, p.Register(r, "enrichment-processor"))
}
