package redis

import (
	"errors"
	"sync"
	"time"
)

// State is a breaker position. The numeric values are exported as the
// pipeline_redis_circuit_breaker_state gauge.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
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

// ErrCircuitOpen rejects a mirror write without touching Redis.
var ErrCircuitOpen = errors.New("redis mirror breaker open")

// CircuitBreaker sheds mirror writes while Redis is failing so the cache
// mirror never queues behind a dead server. It opens after threshold
// consecutive failed pipelines, stays open for cooldown and then admits a
// single probe pipeline.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	consecutive int
	threshold   int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time

	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker. threshold is clamped to at least 1.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Execute runs fn unless the breaker rejects it with ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) <= cb.cooldown {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if err == nil {
		cb.consecutive = 0
		cb.setState(StateClosed)
		return
	}
	cb.consecutive++
	if cb.state == StateHalfOpen || cb.consecutive >= cb.threshold {
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
	}
}

// CurrentState returns the breaker position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
