// Package resilience provides circuit breaker and provider failover
// primitives for the speech and language backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] composes several instances of one provider type, each behind
// its own breaker, so that a failing primary is bypassed in favour of a
// healthy fallback. Cancellation by the caller is never counted as a backend
// failure: clearing the conversation aborts in-flight AI calls and that must
// not trip a breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/farmgpt/krishimitra/internal/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 3.
	HalfOpenMax int

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// CircuitBreaker guards one backend. Failures are counted while closed;
// once the breaker opens it rejects calls until ResetTimeout has passed and
// then admits up to HalfOpenMax probes.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int // admitted while half-open
	passed   int // probes that succeeded
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Execute runs fn unless the breaker rejects it with [ErrCircuitOpen]. A
// context.Canceled result is returned as is and does not count.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.Clock.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state, cb.probes, cb.passed = StateHalfOpen, 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, nil
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case errors.Is(err, context.Canceled):
		if probe {
			cb.probes--
		}
	case err != nil:
		cb.openedAt = cb.cfg.Clock.Now()
		cb.failures++
		if probe || cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			cb.failures = cb.cfg.MaxFailures
		}
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.close()
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// close resets all counters. cb.mu must be held.
func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.failures, cb.probes, cb.passed = 0, 0, 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	slog.Info("circuit breaker state changed", "name", cb.cfg.Name, "from", from, "to", to)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout
// has elapsed reports [StateHalfOpen]; the transition itself happens on the
// next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.close()
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
