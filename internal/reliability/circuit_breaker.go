package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// StateChangeFunc is called after every transition, outside the breaker lock
type StateChangeFunc func(name string, from, to State, reason string)

// CircuitBreaker counts consecutive failures and rejects calls while open.
// After the cooldown a limited number of probes run in half-open state; one
// success closes the circuit, one failure opens it again.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	lastFailure time.Time

	name             string
	failureThreshold int
	cooldown         time.Duration
	halfOpenProbes   int
	onStateChange    StateChangeFunc
	logger           *slog.Logger
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithCooldown sets how long the circuit stays open
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.cooldown = cooldown
	}
}

// WithHalfOpenProbes sets the concurrent probes allowed when half-open
func WithHalfOpenProbes(probes int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenProbes = probes
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange registers a transition callback
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// withClock is used by tests to control cooldown expiry
func withClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		cooldown:         30 * time.Second,
		halfOpenProbes:   1,
		logger:           slog.Default(),
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit rejects it. Rejections return a
// *CircuitBreakerError without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.mu.Unlock()

	if from != StateClosed {
		cb.changed(from, StateClosed, "reset")
	}
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		nextRetry := cb.openedAt.Add(cb.cooldown)
		if cb.now().Before(nextRetry) {
			err := cb.rejection(nextRetry)
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.probes = 1
		cb.mu.Unlock()
		cb.changed(StateOpen, StateHalfOpen, "cooldown expired")
		return nil

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenProbes {
			err := cb.rejection(cb.now())
			cb.mu.Unlock()
			return err
		}
		cb.probes++
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	var reason string

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				cb.openedAt = cb.now()
				reason = fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold)
			}
		case StateHalfOpen:
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.probes = 0
			reason = "probe failed"
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.probes = 0
			reason = "probe succeeded"
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.changed(from, to, reason)
	}
}

func (cb *CircuitBreaker) rejection(nextRetry time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		NextRetry:        nextRetry,
	}
}

func (cb *CircuitBreaker) changed(from, to State, reason string) {
	cb.logger.Warn("circuit breaker state changed",
		"breaker", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to, reason)
	}
}
