package errors

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxthelion/octopoid/internal/logging"
)

// CircuitState is one of the three states a CircuitBreaker moves through.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig configures one breaker. internal/store.HTTPStore runs
// one breaker per logical endpoint group, so a flapping poll endpoint
// doesn't trip the breaker protecting claims; internal/forge.GitHubClient
// runs a single breaker for all its calls.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultCircuitBreakerConfig is what httpclient.NewWithCircuitBreaker uses
// unless a caller supplies its own.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards one HTTP endpoint group. Allow reports whether a
// request may proceed; Mark records its outcome. Both are called from
// httpclient's circuit-breaker RoundTripper around every request/response.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker builds a breaker starting closed.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logging.Nop,
		state:  StateClosed,
	}
}

// Allow reports whether a request may proceed, transitioning open to
// half-open once config.Timeout has elapsed since the last failure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) < cb.config.Timeout {
			remaining := cb.config.Timeout - time.Since(cb.lastFailureTime)
			return fmt.Errorf("%s: %w, retry in %v", cb.name, ErrCircuitOpen, remaining)
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.logger.Info("[%s] circuit breaker half-open, testing recovery", cb.name)
		return nil
	default:
		return fmt.Errorf("%s: unknown circuit breaker state %v", cb.name, cb.state)
	}
}

// Mark records a request outcome. Pass nil for success, a non-nil error for
// failure.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.logger.Info("[%s] circuit breaker closed (recovered)", cb.name)
		}
	case StateOpen:
		cb.logger.Warn("[%s] unexpected success while open", cb.name)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.logger.Warn("[%s] circuit breaker opened after %d failures", cb.name, cb.failureCount)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successCount = 0
		cb.logger.Warn("[%s] circuit breaker reopened (recovery probe failed)", cb.name)
	case StateOpen:
		// Already open; nothing else to do besides the timestamp bump above.
	}
}

// State reports the breaker's current state, for tests and diagnostics.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
