package subsync

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRecordNotFound is returned by Storage when no record exists for a user.
	ErrRecordNotFound = errors.New("subscription record not found")

	// ErrRecordExists is returned by CreateRecord when the user already has a record.
	ErrRecordExists = errors.New("subscription record already exists")

	// ErrVersionConflict is returned by CompareAndSwapRecord when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("subscription record version conflict")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Storage is the Record Store. Implementations must make CompareAndSwapRecord a
// single atomic conditional write.
type Storage interface {
	// GetRecord returns a copy of the user's record or ErrRecordNotFound.
	GetRecord(ctx context.Context, userID string) (*Record, error)

	// CreateRecord inserts a new record or fails with ErrRecordExists.
	CreateRecord(ctx context.Context, rec *Record) error

	// CompareAndSwapRecord replaces the stored record only if its version equals
	// expectedVersion. rec.Version is stored as given.
	// Returns ErrVersionConflict when the versions differ and ErrRecordNotFound
	// when there is nothing to replace.
	CompareAndSwapRecord(ctx context.Context, rec *Record, expectedVersion int64) error

	// FindByCustomerID returns the records whose BillingCustomerID equals
	// customerID exactly. An empty slice is not an error.
	FindByCustomerID(ctx context.Context, customerID string) ([]*Record, error)

	// ScanRecords calls fn for every record until fn returns false.
	ScanRecords(ctx context.Context, fn func(*Record) bool) error
}

// TimeSource is implemented by storage engines that can report their own clock.
// When the configured Storage implements it, day-granular decisions (grace
// windows, fallback cancellation dates) use storage time.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}
