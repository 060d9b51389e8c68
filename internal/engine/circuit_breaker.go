package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/nurture/pkg/schema"
)

// Breaker keys for the external dependencies the engine calls.
const (
	BreakerDispatchSend     = "dispatch.send"
	BreakerDispatchGenerate = "dispatch.generate"
	BreakerConditionReplied = "condition.has_replied"
	BreakerConditionAIRule  = "condition.ai_rule"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages one circuit breaker per dependency key.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Do runs fn guarded by the breaker for key. Only retryable failures count
// toward opening the circuit; a rejected call returns CIRCUIT_OPEN.
func (r *CircuitBreakerRegistry) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := r.AllowRequest(key); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		r.RecordSuccess(key)
	case ctx.Err() != nil && !IsRetryableError(ctx.Err()):
		// Caller cancelled; says nothing about the dependency.
	case IsRetryableError(err):
		r.RecordFailure(key)
	default:
		r.RecordSuccess(key)
	}
	return err
}

// AllowRequest returns nil if a call to key may proceed, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q after %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"dependency":           key,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (cb.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: max test requests reached", key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call for key and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for key.
func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Snapshot returns the state of every breaker seen so far, keyed by dependency.
func (r *CircuitBreakerRegistry) Snapshot() map[string]string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = r.GetState(k).String()
	}
	return out
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[key] = cb
	}
	return cb
}
