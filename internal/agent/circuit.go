package agent

import (
	"sync"
	"time"
)

// breakerState is the circuit's position.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

// circuitBreaker guards one adapter name. After failureThreshold
// consecutive failures the circuit opens and requests are refused for
// the cooldown period. The first request after cooldown is a probe: its
// outcome alone decides whether the circuit closes again or reopens
// with a fresh cooldown clock.
type circuitBreaker struct {
	mu               sync.Mutex
	state            breakerState
	failures         int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	now              func() time.Time
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// AllowRequest reports whether a request may proceed. When the cooldown
// has elapsed it admits exactly one trial request and moves to probing.
func (cb *circuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerProbing:
		// A probe is already in flight.
		return false
	default:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = breakerProbing
			return true
		}
		return false
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = breakerClosed
	cb.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens immediately
// and resets the cooldown clock.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerProbing {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
		return
	}

	cb.failures++
	if cb.failures >= cb.failureThreshold {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
}

// Open reports whether requests are currently refused.
func (cb *circuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != breakerClosed
}

// HealthLabel maps the circuit position onto agent health reporting.
func (cb *circuitBreaker) HealthLabel() Health {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerOpen:
		return HealthUnhealthy
	case breakerProbing:
		return HealthProbing
	default:
		return HealthHealthy
	}
}
