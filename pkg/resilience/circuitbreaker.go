// Package resilience provides the fault-tolerance primitives used around
// shard copies and replication shipping: a circuit breaker, exponential
// backoff retry that classifies transient errors, and a timeout wrapper whose
// stragglers are discarded.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

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

// CircuitBreakerConfig controls when the breaker trips and how it probes for
// recovery. OnStateChange runs with the breaker lock held and must not call
// back into the breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxRequests probes may be in flight while half-open; that many
	// consecutive successes close the circuit again.
	HalfOpenMaxRequests int
	OnStateChange       func(name string, state State)
}

// Counts is a snapshot of the breaker's bookkeeping for the current state.
type Counts struct {
	Requests             int
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// CircuitBreaker guards a flaky dependency such as the replication broker.
// Cancelled contexts are not counted as failures of the dependency.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	probes     int
	openedAt   time.Time
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

// Execute runs fn when the circuit admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(gen, err)
	return err
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// refresh moves an open circuit to half-open once ResetTimeout has passed.
// mu must be held.
func (cb *CircuitBreaker) refresh() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	switch cb.state {
	case StateOpen:
		wait := cb.cfg.ResetTimeout - cb.now().Sub(cb.openedAt)
		return 0, fmt.Errorf("%w: %s (retry in %v)", ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			return 0, fmt.Errorf("%w: %s (probe limit reached)", ErrCircuitOpen, cb.name)
		}
		cb.probes++
	}
	cb.counts.Requests++
	return cb.generation, nil
}

// record applies an outcome. Outcomes of requests admitted under an earlier
// generation are dropped so a slow call cannot flip a fresh state.
func (cb *CircuitBreaker) record(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.generation {
		return
	}
	if err == nil || errors.Is(err, context.Canceled) {
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.HalfOpenMaxRequests {
			cb.transition(StateClosed)
		}
		return
	}
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	if cb.state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen)
	}
}

// Reset closes the circuit regardless of its state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	failures := cb.counts.ConsecutiveFailures
	cb.state = to
	cb.generation++
	cb.counts = Counts{}
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	switch to {
	case StateOpen:
		cb.logger.Warn("circuit opened", "from", from.String(), "consecutive_failures", failures, "reset_after", cb.cfg.ResetTimeout)
	case StateHalfOpen:
		cb.logger.Info("circuit half-open, probing")
	case StateClosed:
		cb.logger.Info("circuit closed", "from", from.String())
	}
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, to)
	}
}
