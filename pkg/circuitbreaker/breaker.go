package circuitbreaker

import (
	"sync"
	"time"

	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/metrics"
)

// State is the position of a circuit breaker
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout passes
	StateOpen
	// StateHalfOpen lets a single probe through
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "closed"
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name          string
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	state         State
	openedAt      time.Time
	probing       bool
	mu            sync.Mutex
	logger        logger.Logger
	now           func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(
	name string,
	enabled bool,
	threshold int,
	window time.Duration,
	resetTimeout time.Duration,
	logger logger.Logger,
) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          name,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		logger:        logger,
		now:           time.Now,
	}
	cb.publish()
	return cb
}

// Allow reports whether a call may proceed. Once the reset timeout has
// passed, an open breaker admits exactly one probe until it is resolved by
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	if !cb.enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
	}
	return true
}

// RecordFailure records a failure and reports whether the circuit is now open
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.advance()

	switch cb.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		cb.logger.Notice("Circuit breaker %s: probe failed, reopening", cb.name)
		cb.open(now)
		return true
	}

	// Reset failure count if outside window
	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}
	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.logger.Notice("Circuit breaker %s tripped: %d failures in window", cb.name, cb.failureCount)
		cb.open(now)
		return true
	}
	return false
}

// RecordSuccess closes a half-open circuit and clears the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	if cb.state == StateHalfOpen {
		cb.logger.Info("Circuit breaker %s: probe succeeded, closing", cb.name)
		cb.close()
		return
	}
	if cb.state == StateClosed {
		cb.failureCount = 0
	}
}

// IsOpen returns true while calls are being rejected outright
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	if !cb.enabled {
		return StateClosed
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Reset manually closes the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
}

// GetState returns the failure counters of the circuit breaker
func (cb *CircuitBreaker) GetState() (failureCount int, lastFailure time.Time, failureWindow time.Duration, failThreshold int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.lastFailure, cb.failureWindow, cb.failThreshold
}

// IsEnabled returns true if the circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.enabled
}

// advance moves an open breaker to half-open once the reset timeout passed.
// Callers hold mu.
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) > cb.resetTimeout {
		cb.logger.Info("Circuit breaker %s: attempting to reset after timeout", cb.name)
		cb.state = StateHalfOpen
		cb.probing = false
		cb.publish()
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = StateOpen
	cb.openedAt = now
	cb.probing = false
	cb.publish()
}

func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probing = false
	cb.publish()
}

func (cb *CircuitBreaker) publish() {
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(cb.state))
}
