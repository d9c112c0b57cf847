package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards calls to the remote store. After maxFailures
// consecutive failures the circuit opens and calls fail fast until the
// cooldown elapses; a limited number of half-open probes then decides
// whether to close it again.
type CircuitBreaker struct {
	name        string
	maxFailures uint32
	cooldown    time.Duration
	probeQuota  uint32

	mu              sync.Mutex
	state           State
	failures        uint32
	probeSuccesses  uint32
	lastFailureTime time.Time

	logger *logrus.Logger
}

func New(name string, maxFailures uint32, cooldown time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		probeQuota:  3,
		state:       StateClosed,
		logger:      logger,
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return &OpenError{Name: cb.name}
	}

	if err := fn(ctx); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.cooldown {
		cb.state = StateHalfOpen
		cb.probeSuccesses = 0
		cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker transitioned to half-open")
	}

	return cb.state != StateOpen
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.probeQuota {
			cb.state = StateClosed
			cb.failures = 0
			cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker closed after recovery")
		}
		return
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"failures":        cb.failures,
			}).Warn("Circuit breaker opened")
		}
		cb.state = StateOpen
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OpenError is returned when a call is rejected by an open circuit.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}
