// Package resilience provides the retry wrapper used around transport and
// document-store calls.
package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Retryer retries an opaque operation with exponential backoff.
// It knows nothing about the operation; callers make sure repeating it is
// safe.
type Retryer struct {
	config       RetryConfig
	attemptCount atomic.Uint64
	successCount atomic.Uint64
	failureCount atomic.Uint64
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration

	// Sleep waits between attempts. It must return early with ctx.Err()
	// when ctx is done. Defaults to a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)

	Logger *zap.Logger
}

// DefaultRetryConfig returns three retries starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
	}
}

// NewRetryer creates a new retryer
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Sleep == nil {
		config.Sleep = sleepContext
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Retryer{config: config}
}

// Execute runs fn up to MaxRetries+1 times. The delay starts at InitialDelay
// and doubles after every failure. When every attempt fails the last error
// is returned as is.
func (r *Retryer) Execute(ctx context.Context, fn func() error) error {
	delay := r.config.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		r.attemptCount.Add(1)

		lastErr = fn()
		if lastErr == nil {
			r.successCount.Add(1)
			return nil
		}

		if attempt == r.config.MaxRetries {
			break
		}

		r.config.Logger.Warn("Attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", r.config.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, delay, lastErr)
		}

		if err := r.config.Sleep(ctx, delay); err != nil {
			r.failureCount.Add(1)
			return err
		}
		delay *= 2
	}

	r.failureCount.Add(1)
	r.config.Logger.Error("All retry attempts failed",
		zap.Int("max_retries", r.config.MaxRetries),
		zap.Error(lastErr))
	return lastErr
}

// Retry is Execute for operations that return a value.
func Retry[T any](ctx context.Context, r *Retryer, fn func() (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Stats returns attempt, success and failure counts.
func (r *Retryer) Stats() RetryStats {
	return RetryStats{
		Attempts:  r.attemptCount.Load(),
		Successes: r.successCount.Load(),
		Failures:  r.failureCount.Load(),
	}
}

// RetryStats contains retry counters
type RetryStats struct {
	Attempts  uint64
	Successes uint64
	Failures  uint64
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
