package subsync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// Manager runs user-initiated subscription operations against a billing provider
// and keeps the Record Store in sync with the outcome.
type Manager struct {
	storage  Storage
	provider billing.Provider
	config   Config
	logger   Logger
	metrics  billing.Metrics

	// resolving collapses concurrent identity resolutions of the same user.
	resolving singleflight.Group
}

// NewManager creates a new subscription manager with the given storage, provider
// and configuration.
func NewManager(storage Storage, provider billing.Provider, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if provider == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config = config.withDefaults()
	if config.CircuitBreaker != nil {
		logger := config.Logger
		cb := NewDefaultCircuitBreaker(*config.CircuitBreaker, func(state CircuitBreakerState) {
			logger.Warn("record store circuit breaker state changed", Field{Key: "state", Value: string(state)})
		})
		storage = NewCircuitBreakerStorage(storage, cb)
	}
	return &Manager{
		storage:  storage,
		provider: provider,
		config:   config,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}, nil
}

// Provider returns the billing provider the manager talks to.
func (m *Manager) Provider() billing.Provider {
	return m.provider
}

// Storage returns the record store.
func (m *Manager) Storage() Storage {
	return m.storage
}

// errSkipWrite aborts updateRecord without writing and without error.
var errSkipWrite = errors.New("skip write")

// updateRecord runs a read-modify-write cycle on the user's record. mutate receives
// a private copy; the result is normalized and written with compare-and-swap.
// Lost races are retried with a fresh read, up to MaxUpdateRetries times.
func (m *Manager) updateRecord(ctx context.Context, op, userID string, mutate func(*Record) error) (*Record, error) {
	storage, cfg := m.storage, m.config
	var result *Record
	attempt := func() error {
		current, err := storage.GetRecord(ctx, userID)
		if err != nil {
			return backoff.Permanent(err)
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			if errors.Is(err, errSkipWrite) {
				result = current
				return nil
			}
			return backoff.Permanent(err)
		}
		next.normalize()
		if sameRecord(current, next) {
			result = current
			return nil
		}
		next.Version = current.Version + 1
		next.UpdatedAt = cfg.Now().UTC()
		if err := storage.CompareAndSwapRecord(ctx, next, current.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				m.metrics.RecordUpdateConflict(op)
				m.logger.Debug("record update lost race, retrying",
					Field{Key: "user_id", Value: userID},
					Field{Key: "op", Value: op},
				)
				return err
			}
			return backoff.Permanent(err)
		}
		if current.Status != next.Status {
			m.metrics.RecordStatusChange(m.provider.Name(), string(current.Status), string(next.Status))
		}
		result = next
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.RetryInterval
	policy.MaxElapsedTime = 0
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.MaxUpdateRetries)), ctx))
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrVersionConflict):
		return nil, &Error{Kind: ErrConflict, Reason: ConflictConcurrentUpdate, Op: op, Err: err}
	case errors.Is(err, ErrRecordNotFound):
		return nil, newError(ErrNotFound, op, err)
	default:
		var e *Error
		if errors.As(err, &e) {
			return nil, err
		}
		return nil, newError(ErrStorageUnavailable, op, err)
	}
}

// getRecord reads the user's record, mapping a missing record to ErrNotFound.
func (m *Manager) getRecord(ctx context.Context, op, userID string) (*Record, error) {
	if userID == "" {
		return nil, validationError(op, "user id is required")
	}
	rec, err := m.storage.GetRecord(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, newError(ErrNotFound, op, err)
		}
		return nil, newError(ErrStorageUnavailable, op, err)
	}
	return rec, nil
}

// today returns the current UTC day, preferring storage time when available.
func (m *Manager) today(ctx context.Context) time.Time {
	if ts, ok := m.storage.(TimeSource); ok {
		if t, err := ts.Now(ctx); err == nil {
			return billing.StartOfDayUTC(t)
		}
	}
	return billing.StartOfDayUTC(m.config.Now())
}

// EnsureRecord creates the all-NONE record of a user if it does not exist yet and
// returns the stored record.
func (m *Manager) EnsureRecord(ctx context.Context, userID, email string) (*Record, error) {
	const op = "ensure_record"
	if userID == "" {
		return nil, validationError(op, "user id is required")
	}
	rec := NewRecord(userID, email, m.config.Now().UTC())
	if err := m.storage.CreateRecord(ctx, rec); err != nil {
		if !errors.Is(err, ErrRecordExists) {
			return nil, newError(ErrStorageUnavailable, op, err)
		}
		return m.getRecord(ctx, op, userID)
	}
	m.logger.Info("subscription record created", Field{Key: "user_id", Value: userID})
	return rec, nil
}

// Status returns the user's record with computed grace-period fields.
func (m *Manager) Status(ctx context.Context, userID string) (*StatusView, error) {
	rec, err := m.getRecord(ctx, "status", userID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Record: rec}
	if rec.Status == StatusCanceled {
		grace := IsInGrace(rec.CanceledDate, m.today(ctx), m.config.GraceDays)
		view.InGrace = grace.InGrace
		view.GraceEndsAt = grace.GraceEndsAt
	}
	return view, nil
}
