package control

import (
	"errors"
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is returned instead of calling upstream while the breaker is open.
var ErrCircuitOpen = errors.New("upstream circuit open")

// CircuitBreaker is a minimal per-error-class breaker. It is safe for
// concurrent use. While half-open exactly one trial request is let through.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
	probing     bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant. halfOpened
// reports that this call moved the breaker from open to half-open.
func (c *CircuitBreaker) Allow(now time.Time) (allowed, halfOpened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true, false
	case CircuitHalfOpen:
		if c.probing {
			return false, false
		}
		c.probing = true
		return true, false
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		c.probing = true
		return true, true
	}
	return false, false
}

// RecordSuccess updates state after a successful trial or operation. closed
// reports that the breaker left the open or half-open state.
func (c *CircuitBreaker) RecordSuccess() (closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	closed = c.state != CircuitClosed
	c.state = CircuitClosed
	c.openedClass = ""
	c.probing = false
	c.failures = map[string]int{}
	return closed
}

// RecordFailure updates state after an error in the given class. opened
// reports that this failure opened the breaker.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) (opened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
		c.probing = false
		return true
	}
	if c.state == CircuitOpen {
		return false
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
		return true
	}
	return false
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
