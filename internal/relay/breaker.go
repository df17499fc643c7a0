package relay

import (
	"sync"
	"time"
)

// Circuit breaker states.
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// CircuitBreaker guards ledger submissions. After threshold consecutive
// connectivity failures it opens and short-circuits calls until the
// cooldown elapses; the first call after cooldown runs as a half-open
// trial whose outcome decides between CLOSED and OPEN.
type CircuitBreaker struct {
	mu            sync.Mutex
	failureCount  int
	threshold     int
	lastFailure   time.Time
	cooldown      time.Duration
	state         string
	trialInFlight bool
	now           func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. Transitioning OPEN -> HALF_OPEN
// happens here, once the cooldown has elapsed; only one trial call runs at
// a time while half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cooldown {
			cb.state = BreakerHalfOpen
			cb.trialInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	cb.trialInFlight = false
	if cb.state == BreakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = BreakerOpen
	}
}

func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailure) > cb.cooldown {
		return BreakerHalfOpen
	}
	return cb.state
}
