// Package circuitbreaker guards the executor bridge: repeated dispatch
// failures inside a window open the circuit, and the dispatcher stops
// firing until the reset timeout elapses. Due schedules are not lost;
// they stay in the index and a later tick picks them up.
package circuitbreaker

import (
	"sync"
	"time"
)

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	mu            sync.Mutex
}

// New creates a new circuit breaker
func New(enabled bool, threshold int, window time.Duration, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
	}
}

// RecordFailure records a failure and reports whether the circuit is now open.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	// A tripped circuit past its reset timeout gets a fresh start.
	if cb.tripped {
		if now.Sub(cb.tripTime) > cb.resetTimeout {
			cb.tripped = false
			cb.failureCount = 0
		} else {
			return true
		}
	}

	// Failures outside the window do not accumulate.
	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		return true
	}
	return false
}

// RecordSuccess clears the accumulated failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && time.Since(cb.tripTime) > cb.resetTimeout {
		cb.tripped = false
		cb.failureCount = 0
		return false
	}
	return cb.tripped
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripped = false
	cb.failureCount = 0
}

// State reports the current failure count and whether the circuit is open.
func (cb *CircuitBreaker) State() (failureCount int, open bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.tripped
}
