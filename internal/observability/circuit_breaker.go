package observability

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where limited operations are allowed to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// CircuitBreaker stops traffic to a failing dependency (the replica) for a
// cooldown and then lets probe calls through.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	maxFailures      int
	timeout          time.Duration
	successThreshold int
	now              func() time.Time
	onStateChange    func(from, to CircuitBreakerState)

	state           CircuitBreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64
}

// CircuitBreakerConfig holds breaker parameters. Zero values get defaults.
type CircuitBreakerConfig struct {
	Name             string
	MaxFailures      int
	Timeout          time.Duration
	SuccessThreshold int
	OnStateChange    func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		maxFailures:      cfg.MaxFailures,
		timeout:          cfg.Timeout,
		successThreshold: cfg.SuccessThreshold,
		onStateChange:    cfg.OnStateChange,
		now:              time.Now,
		state:            StateClosed,
	}
}

// NewReplicaBreaker creates a breaker that publishes its state to the
// db_replica_breaker_state gauge.
func NewReplicaBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "replica",
		MaxFailures: maxFailures,
		Timeout:     timeout,
		OnStateChange: func(_, to CircuitBreakerState) {
			ReplicaBreakerState.Set(float64(to))
		},
	})
}

// CanExecute returns true if the circuit breaker allows execution. An open
// breaker whose timeout has passed moves to half-open.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.timeout {
			cb.transition(StateHalfOpen)
			slog.Info("circuit breaker transitioning to half-open",
				slog.String("breaker", cb.name),
				slog.Duration("timeout", cb.timeout),
				slog.Time("last_failure", cb.lastFailureTime))
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.successCount++
	if cb.state == StateClosed {
		// failures only count while consecutive
		cb.failureCount = 0
	}
	if cb.state == StateHalfOpen && cb.successCount >= cb.successThreshold {
		cb.transition(StateClosed)
		slog.Info("circuit breaker closed due to success threshold",
			slog.String("breaker", cb.name),
			slog.Int("success_threshold", cb.successThreshold))
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.transition(StateOpen)
			slog.Warn("circuit breaker opened due to failure threshold",
				slog.String("breaker", cb.name),
				slog.Int("max_failures", cb.maxFailures))
		}
	case StateHalfOpen:
		// Any failure in half-open state opens the circuit
		cb.transition(StateOpen)
		slog.Warn("circuit breaker opened due to failure in half-open state",
			slog.String("breaker", cb.name))
	}
}

// transition moves to the given state and resets the window. Caller holds mu.
func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	from := cb.state
	cb.state = to
	cb.failureCount = 0
	cb.successCount = 0
	cb.stateChanges++
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"name":            cb.name,
		"state":           cb.state.String(),
		"max_failures":    cb.maxFailures,
		"timeout":         cb.timeout.String(),
		"failure_count":   cb.failureCount,
		"total_failures":  cb.totalFailures,
		"total_successes": cb.totalSuccesses,
		"state_changes":   cb.stateChanges,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.stateChanges = 0
	cb.lastFailureTime = time.Time{}
}
