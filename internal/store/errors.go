package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested job does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrJobNotFound indicates that the requested job does not exist.
	ErrJobNotFound = fmt.Errorf("%w: job", ErrNotFound)

	// ErrDeadLetterNotFound indicates that the requested dead-letter entry
	// does not exist.
	ErrDeadLetterNotFound = fmt.Errorf("%w: dead letter", ErrNotFound)

	// ErrDuplicateFingerprint is returned when an insert collides with a
	// non-terminal job carrying the same fingerprint. Callers receive the
	// existing job's ID alongside this error.
	ErrDuplicateFingerprint = errors.New("duplicate fingerprint")

	// ErrStatusConflict is returned when a conditional transition finds the
	// job in a status other than the expected one. This is the
	// optimistic-concurrency signal: two callers raced and the other won.
	ErrStatusConflict = errors.New("job status conflict")

	// ErrLeaseNotHeld is returned when a lease operation (renew, release)
	// names a worker that does not hold a valid, non-expired lease on the job.
	ErrLeaseNotHeld = errors.New("lease not held by worker")

	// ErrNoEligibleJobs is returned by lease acquisition when no job in the
	// queue is currently eligible for leasing.
	ErrNoEligibleJobs = errors.New("no eligible jobs")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks whether the error is a concurrency conflict:
// either a status conflict or a lost lease.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrLeaseNotHeld)
}

// StoreError is a custom error type for store-specific errors with
// additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "job", "dead_letter")
	Operation string // The operation that failed (e.g., "insert", "transition")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation,
// message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
