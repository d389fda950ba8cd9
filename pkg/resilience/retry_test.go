package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestRetryer(t *testing.T, maxRetries int, s *recordingSleeper) *Retryer {
	return NewRetryer(RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Second,
		Sleep:        s.Sleep,
		Logger:       zaptest.NewLogger(t),
	})
}

func TestRetry_SucceedsOnThirdAttempt(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := newTestRetryer(t, 3, sleeper)

	calls := 0
	got, err := Retry(context.Background(), r, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Attempts)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.Equal(t, uint64(0), stats.Failures)
}

type deliveryError struct{ batch int }

func (e *deliveryError) Error() string { return "delivery failed" }

func TestRetry_ReturnsLastErrorUnchanged(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := newTestRetryer(t, 3, sleeper)

	var last *deliveryError
	calls := 0
	err := r.Execute(context.Background(), func() error {
		calls++
		last = &deliveryError{batch: calls}
		return last
	})

	assert.Equal(t, 4, calls, "max_retries+1 attempts")
	assert.Same(t, last, err, "final failure must not be wrapped")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.delays)
	assert.Equal(t, uint64(1), r.Stats().Failures)
}

func TestRetry_ZeroRetries(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := newTestRetryer(t, 0, sleeper)

	boom := errors.New("boom")
	calls := 0
	err := r.Execute(context.Background(), func() error {
		calls++
		return boom
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, boom, err)
	assert.Empty(t, sleeper.delays)
}

func TestRetry_OnRetryCallback(t *testing.T) {
	sleeper := &recordingSleeper{}
	var attempts []int
	r := NewRetryer(RetryConfig{
		MaxRetries:   2,
		InitialDelay: 10 * time.Millisecond,
		Sleep:        sleeper.Sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			attempts = append(attempts, attempt)
		},
	})

	_ = r.Execute(context.Background(), func() error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetryer(RetryConfig{MaxRetries: 5, InitialDelay: time.Hour})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Execute(ctx, func() error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialDelay)
}
