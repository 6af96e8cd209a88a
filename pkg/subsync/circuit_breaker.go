package subsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive store failures that opens the circuit
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial call is let through
	ResetTimeout time.Duration
}

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	now           func() time.Time
	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(config CircuitBreakerConfig,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
	return cb.state
}

// Execute runs fn unless the circuit is open. In the half-open state a single
// trial call is let through; its result closes or reopens the circuit.
func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	switch cb.currentState() {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
	if isStoreFailure(ctx, err) {
		cb.failure()
	} else {
		cb.success()
	}
	return err
}

func (cb *DefaultCircuitBreaker) success() {
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// isStoreFailure reports whether err means the store itself misbehaved. Missing
// records, duplicates, version conflicts and caller cancellation are ordinary
// outcomes.
func isStoreFailure(ctx context.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrRecordExists), errors.Is(err, ErrVersionConflict):
		return false
	case ctx.Err() != nil:
		return false
	}
	return true
}

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

var (
	_ Storage    = (*CircuitBreakerStorage)(nil)
	_ TimeSource = (*CircuitBreakerStorage)(nil)
)

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetRecord(ctx context.Context, userID string) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetRecord(ctx, userID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) CreateRecord(ctx context.Context, rec *Record) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateRecord(ctx, rec)
	})
}

func (s *CircuitBreakerStorage) CompareAndSwapRecord(ctx context.Context, rec *Record, expectedVersion int64) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CompareAndSwapRecord(ctx, rec, expectedVersion)
	})
}

func (s *CircuitBreakerStorage) FindByCustomerID(ctx context.Context, customerID string) ([]*Record, error) {
	var recs []*Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		recs, e = s.storage.FindByCustomerID(ctx, customerID)
		return e
	})
	return recs, err
}

func (s *CircuitBreakerStorage) ScanRecords(ctx context.Context, fn func(*Record) bool) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.ScanRecords(ctx, fn)
	})
}

// Now delegates to the wrapped store's clock. Stores without one report an
// error so callers fall back to the wall clock.
func (s *CircuitBreakerStorage) Now(ctx context.Context) (time.Time, error) {
	ts, ok := s.storage.(TimeSource)
	if !ok {
		return time.Time{}, errNoTimeSource
	}
	var now time.Time
	err := s.cb.Execute(ctx, func() error {
		var e error
		now, e = ts.Now(ctx)
		return e
	})
	return now, err
}

var errNoTimeSource = errors.New("storage has no clock")
