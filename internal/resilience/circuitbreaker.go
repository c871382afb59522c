// Package resilience provides the high-availability primitives of the
// orchestrator: circuit breakers guarding providers and lanes, the
// per-client rate limiter, a counting semaphore for the worker pool,
// and a keyed manager with background eviction.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateHalfOpen allows a single trial request.
	StateHalfOpen
	// StateOpen blocks all requests until the recovery window elapses.
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GaugeValue maps the state onto the metric encoding
// (0=closed, 1=half_open, 2=open).
func (s CircuitState) GaugeValue() float64 {
	return float64(s)
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig contains configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a
	// half-open trial is admitted.
	RecoveryTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns the defaults used for both
// providers and lanes: open after 3 consecutive failures, recover
// after 5 minutes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Minute,
	}
}

// CircuitBreaker guards one provider or lane. In half-open state
// exactly one trial request is admitted; success closes the breaker,
// failure re-opens it with a fresh recovery window.
type CircuitBreaker struct {
	mu                  sync.Mutex
	name                string
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	openUntil           time.Time
	trialInFlight       bool
	lastTouched         time.Time
	config              CircuitBreakerConfig
	onStateChange       func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 5 * time.Minute
	}
	return &CircuitBreaker{
		name:        name,
		state:       StateClosed,
		config:      cfg,
		lastTouched: time.Now(),
	}
}

// OnStateChange sets a callback for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow checks if a request should be allowed through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastTouched = time.Now()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Now().After(cb.openUntil) {
			cb.transitionTo(StateHalfOpen)
			cb.trialInFlight = true
			return true
		}
		return false

	case StateHalfOpen:
		// One trial at a time.
		if !cb.trialInFlight {
			cb.trialInFlight = true
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastTouched = time.Now()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0

	case StateHalfOpen:
		cb.trialInFlight = false
		cb.consecutiveFailures = 0
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.lastFailureTime = now
	cb.lastTouched = now

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.openUntil = now.Add(cb.config.RecoveryTimeout)
			cb.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// A failed trial re-opens with a fresh window.
		cb.trialInFlight = false
		cb.openUntil = now.Add(cb.config.RecoveryTimeout)
		cb.transitionTo(StateOpen)
	}
}

// State returns the current circuit state. An elapsed recovery window
// is reported as half_open even before the next Allow call.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Now().After(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Snapshot returns the health fields exposed on /health/providers.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := CircuitSnapshot{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime.Unix()
		snap.LastFailureTS = &t
	}
	if cb.state == StateOpen {
		t := cb.openUntil.Unix()
		snap.OpenUntilTS = &t
	}
	return snap
}

// CircuitSnapshot is a point-in-time view of one breaker.
type CircuitSnapshot struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastFailureTS       *int64 `json:"last_failure_ts,omitempty"`
	OpenUntilTS         *int64 `json:"open_until_ts,omitempty"`
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IdleSince returns the last time the breaker was touched.
func (cb *CircuitBreaker) IdleSince() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastTouched
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.consecutiveFailures = 0
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	if cb.onStateChange != nil {
		// Callback runs without the lock held.
		go cb.onStateChange(cb.name, oldState, newState)
	}
}
