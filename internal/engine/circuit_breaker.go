package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/agentspilot/orchestrator/pkg/schema"
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
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int `mapstructure:"half_open_max"`
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
}

// CircuitBreakerRegistry keeps one breaker per plugin, shared by every run
// in the process.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Zero config fields take
// their defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow checks whether a call to plugin may proceed. It returns a
// CIRCUIT_OPEN error, which is never retried, while the circuit is open.
func (r *CircuitBreakerRegistry) Allow(plugin string) error {
	cb := r.get(plugin)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for plugin %q after %d consecutive failures", plugin, cb.consecutiveFailures).
			WithClass(schema.ClassUnavailable).
			WithDetails(map[string]any{
				"plugin":               plugin,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for plugin %q: probe in flight", plugin).
				WithClass(schema.ClassUnavailable)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for plugin.
func (r *CircuitBreakerRegistry) RecordSuccess(plugin string) {
	cb := r.get(plugin)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed call. It reports whether this failure opened
// the circuit.
func (r *CircuitBreakerRegistry) RecordFailure(plugin string) (opened bool) {
	cb := r.get(plugin)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return true
	}
	if cb.state == CircuitClosed && cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		return true
	}
	return false
}

// State returns the current state of plugin's circuit.
func (r *CircuitBreakerRegistry) State(plugin string) CircuitState {
	cb := r.get(plugin)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// CircuitStats is a diagnostic view of one breaker.
type CircuitStats struct {
	Plugin              string `json:"plugin"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Stats returns every known breaker, sorted by plugin.
func (r *CircuitBreakerRegistry) Stats() []CircuitStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]CircuitStats, 0, len(names))
	for _, name := range names {
		state := r.State(name)
		cb := r.get(name)
		cb.mu.Lock()
		out = append(out, CircuitStats{Plugin: name, State: state.String(), ConsecutiveFailures: cb.consecutiveFailures})
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) get(plugin string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[plugin]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[plugin] = cb
	}
	return cb
}
