package oracle

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0 // calls pass through
	StateOpen     BreakerState = 1 // calls rejected until the cool-down ends
	StateHalfOpen BreakerState = 2 // one probe call allowed
)

func (s BreakerState) String() string {
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

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops hammering a failing price service. After maxFailures
// consecutive failures it opens for coolDown, then lets a single probe
// through: success closes it, failure reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	coolDown    time.Duration
	openedAt    time.Time
	probing     bool

	// OnStateChange is called with the mutex held; it must not call back
	// into the breaker.
	OnStateChange func(from, to BreakerState)
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(maxFailures int, coolDown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		coolDown:    coolDown,
		state:       StateClosed,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.coolDown {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.state == StateHalfOpen
	cb.probing = false

	if err != nil {
		cb.failures++
		if wasProbe || cb.failures >= cb.maxFailures {
			cb.openedAt = time.Now()
			if cb.state != StateOpen {
				cb.transition(StateOpen)
			}
		}
		return
	}

	cb.failures = 0
	if wasProbe {
		cb.transition(StateClosed)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
