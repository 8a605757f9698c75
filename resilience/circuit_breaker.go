package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"prpline/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen rejects all requests
	StateOpen
	// StateHalfOpen allows limited probe requests through
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

// ErrorClassifier determines which errors should count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not user errors
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Configuration errors - DON'T count (user error)
	if core.IsConfigurationError(err) {
		return false
	}

	// Not found errors - DON'T count (user error)
	if core.IsNotFound(err) {
		return false
	}

	// Lifecycle errors - DON'T count (programming error)
	if core.IsStateError(err) {
		return false
	}

	// Refused promotions - DON'T count (the store is healthy, the caller
	// asked for something the table forbids)
	if core.IsEvidenceError(err) ||
		errors.Is(err, core.ErrInvalidTransition) ||
		errors.Is(err, core.ErrStaleTimestamp) ||
		errors.Is(err, core.ErrTaskAlreadyExists) {
		return false
	}

	// Context cancellation - DON'T count (client gave up)
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}

	// All other errors count as failures (network, timeout, connection issues)
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs
	Name string

	// FailureThreshold is the number of consecutive counted failures
	// before opening
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of probe requests allowed in
	// half-open state
	HalfOpenRequests int

	// SuccessThreshold is the number of consecutive probe successes
	// needed to close from half-open
	SuccessThreshold int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for state change events
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns a production-ready default configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "store",
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		SuccessThreshold: 2,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

// Validate checks the configuration for consistency.
func (c *CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return &core.PipelineError{
			Op: "CircuitBreakerConfig.Validate", Kind: "config",
			Message: "failure threshold must be >= 1",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if c.SleepWindow <= 0 {
		return &core.PipelineError{
			Op: "CircuitBreakerConfig.Validate", Kind: "config",
			Message: "sleep window must be positive",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if c.HalfOpenRequests < 1 || c.SuccessThreshold < 1 {
		return &core.PipelineError{
			Op: "CircuitBreakerConfig.Validate", Kind: "config",
			Message: "half-open limits must be >= 1",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return nil
}

// CircuitBreaker protects the store from being hammered while it is down.
// Consecutive counted failures open the circuit; after the sleep window a
// limited number of probes run, and enough probe successes close it again.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu             sync.Mutex
	state          CircuitState
	failures       int
	probeSuccesses int
	probesInFlight int
	openedAt       time.Time
	now            func() time.Time
}

// NewCircuitBreaker creates a circuit breaker. A nil config uses defaults.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}, nil
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.CanExecute() {
		return &core.PipelineError{
			Op: "CircuitBreaker.Execute", Kind: "resilience",
			Message: cb.config.Name + " circuit is open",
			Err:     core.ErrCircuitBreakerOpen,
		}
	}

	err := fn()
	if err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// CanExecute reports whether a request may proceed, moving the breaker from
// open to half-open once the sleep window has passed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.SleepWindow {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probesInFlight = 1
		return true
	case StateHalfOpen:
		if cb.probesInFlight >= cb.config.HalfOpenRequests {
			return false
		}
		cb.probesInFlight++
		return true
	}
	return false
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.probesInFlight > 0 {
			cb.probesInFlight--
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call. Errors the classifier rejects are
// ignored entirely.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.config.ErrorClassifier(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe reopens immediately.
		cb.transition(StateOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetState returns the current state name for logs and metrics.
func (cb *CircuitBreaker) GetState() string {
	return cb.State().String()
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

// transition moves to a new state. Callers hold the lock.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		cb.probeSuccesses = 0
		cb.probesInFlight = 0
	case StateClosed:
		cb.failures = 0
		cb.probeSuccesses = 0
		cb.probesInFlight = 0
	case StateHalfOpen:
		cb.probeSuccesses = 0
		cb.probesInFlight = 0
	}

	cb.config.Logger.Warn("Circuit breaker state changed", map[string]interface{}{
		"breaker": cb.config.Name,
		"from":    from.String(),
		"to":      to.String(),
	})
}
