package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without calling the operation while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// ResetTimeout is how long the breaker stays open before one trial call
	// is let through.
	ResetTimeout time.Duration
	// IsFailure decides which errors count against the breaker. Nil counts
	// every error. Errors it rejects pass through without changing state.
	IsFailure func(err error) bool
	Logger    *zap.Logger

	now func() time.Time
}

// DefaultBreakerConfig opens after five failures and retries after 30s.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// CircuitBreaker stops calling a failing dependency for a while so callers
// fail fast. Context cancellation is not counted as a failure.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures uint32
	openedAt time.Time
	trial    bool

	calls    atomic.Uint64
	rejected atomic.Uint64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		cb.rejected.Add(1)
		return ErrCircuitOpen
	}
	cb.calls.Add(1)

	err := fn()
	switch {
	case err == nil:
		cb.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.release()
	case cb.cfg.IsFailure != nil && !cb.cfg.IsFailure(err):
		cb.release()
	default:
		cb.onFailure()
	}
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.cfg.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.trial = true
		return true
	default:
		// Half-open lets a single trial call through.
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.trial = false
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.trial = false
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.openedAt = cb.cfg.now()
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.trial = false
	cb.mu.Unlock()
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.cfg.Logger.Warn("Circuit breaker state changed",
		zap.String("breaker", cb.cfg.Name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", s),
		zap.Uint32("failures", cb.failures))
	cb.state = s
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats contains breaker counters
type BreakerStats struct {
	Name     string
	State    string
	Calls    uint64
	Rejected uint64
	Failures uint32
}

// Stats returns the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	state, failures := cb.state, cb.failures
	cb.mu.Unlock()
	return BreakerStats{
		Name:     cb.cfg.Name,
		State:    state.String(),
		Calls:    cb.calls.Load(),
		Rejected: cb.rejected.Load(),
		Failures: failures,
	}
}
