package functions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startHost(t *testing.T, h *Host) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	select {
	case <-h.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("host stopped before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("host not ready")
	}
	return cancel, done
}

func TestHost_ServesAndStops(t *testing.T) {
	_, router, _ := newTestHTTP(t, newMemorySink())
	h, err := NewHost(HostConfig{Addr: "127.0.0.1:0"}, router, zaptest.NewLogger(t))
	require.NoError(t, err)

	workerStopped := make(chan struct{})
	h.AddWorker("idle", func(ctx context.Context) error {
		<-ctx.Done()
		close(workerStopped)
		return ctx.Err()
	})

	cancel, done := startHost(t, h)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/health", h.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop")
	}
	<-workerStopped
}

func TestHost_WorkerFailureStopsHost(t *testing.T) {
	h, err := NewHost(HostConfig{Addr: "127.0.0.1:0"}, http.NotFoundHandler(), zaptest.NewLogger(t))
	require.NoError(t, err)

	boom := errors.New("consumer lost")
	release := make(chan struct{})
	h.AddWorker("consumer", func(ctx context.Context) error {
		<-release
		return boom
	})

	cancel, done := startHost(t, h)
	defer cancel()
	close(release)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "consumer")
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop")
	}
}

func TestNewHost(t *testing.T) {
	_, err := NewHost(HostConfig{}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
	_, err = NewHost(HostConfig{}, http.NotFoundHandler(), nil)
	assert.Error(t, err)

	h, err := NewHost(HostConfig{}, http.NotFoundHandler(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, ":7071", h.cfg.Addr)
	assert.Empty(t, h.Addr())
}
