package tools

import (
	"sync"
	"time"
)

// CircuitState represents the per-capability circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal: invocations flow through
	CircuitOpen                         // Tripped: invocations denied immediately
	CircuitHalfOpen                     // Probe: one invocation allowed to test recovery
)

// CircuitBreaker tracks transport failures per capability and opens the
// circuit when repeated failures exceed the threshold within a window. Only
// transport failures feed the breaker; auth and argument errors are the
// caller's problem, not the capability's health.
type CircuitBreaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	window    time.Duration
}

type circuit struct {
	failures      []time.Time
	state         CircuitState
	openedAt      time.Time
	probeInFlight bool // when half-open, only one invocation is allowed until the probe resolves
}

// NewCircuitBreaker creates a breaker with the given threshold and window.
// threshold: transport failures in window to trip the circuit (default 5).
// window: sliding window duration, also the open-state cool-off (default 30s).
func NewCircuitBreaker(threshold int, window time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &CircuitBreaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		window:    window,
	}
}

// Allow reports whether an invocation of the capability may proceed. In
// half-open state a single probe is allowed.
func (cb *CircuitBreaker) Allow(capability string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[capability]
	if !ok {
		return true
	}

	switch c.state {
	case CircuitOpen:
		if time.Since(c.openedAt) > cb.window {
			c.state = CircuitHalfOpen
			c.probeInFlight = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	}
	return true
}

// RecordFailure records a transport failure. A failed half-open probe reopens
// the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(capability string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[capability]
	if !ok {
		c = &circuit{}
		cb.circuits[capability] = c
	}

	now := time.Now()
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.probeInFlight = false
		return
	}

	cutoff := now.Add(-cb.window)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)

	if len(c.failures) >= cb.threshold {
		c.state = CircuitOpen
		c.openedAt = now
	}
}

// RecordSuccess records a successful invocation. A successful half-open probe
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(capability string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[capability]
	if !ok {
		return
	}
	if c.state == CircuitHalfOpen {
		c.state = CircuitClosed
		c.failures = nil
		c.probeInFlight = false
	}
}

// Reset clears the circuit for a capability (operator override).
func (cb *CircuitBreaker) Reset(capability string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.circuits, capability)
}

// State returns the current circuit state for a capability.
func (cb *CircuitBreaker) State(capability string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[capability]
	if !ok {
		return CircuitClosed
	}
	return c.state
}
