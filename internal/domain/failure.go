package domain

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies a job failure for retry decisions and for the
// observability hook.
type FailureKind string

// Known failure kinds.
const (
	// KindTransientInfra covers network or store unavailability.
	// Retryable at the policy-defined backoff.
	KindTransientInfra FailureKind = "transient_infra"

	// KindHandlerTimeout means execution exceeded its bound. Retryable.
	KindHandlerTimeout FailureKind = "handler_timeout"

	// KindValidation means the payload was malformed. Permanent; the job
	// dead-letters immediately without consuming remaining attempts.
	KindValidation FailureKind = "validation"

	// KindShutdownInterrupted means the worker pool drained before the
	// handler finished. Retryable so another worker picks the job up.
	KindShutdownInterrupted FailureKind = "shutdown_interrupted"

	// KindHandlerFailure is a generic handler error with no more specific
	// classification. Retryable.
	KindHandlerFailure FailureKind = "handler_failure"
)

// FailureDetail is the structured failure summary recorded on a job after
// a failed attempt and carried into the dead-letter store.
type FailureDetail struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// RetryableError wraps an error that should be retried at the backoff
// policy's discretion.
type RetryableError struct {
	Kind FailureKind
	Err  error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError wraps an error that must never be retried. The job moves
// straight to the dead-letter store regardless of remaining attempts.
type PermanentError struct {
	Kind FailureKind
	Err  error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *PermanentError) Unwrap() error { return e.Err }

// NewRetryableError wraps err as a retryable failure of the given kind.
func NewRetryableError(kind FailureKind, err error) *RetryableError {
	return &RetryableError{Kind: kind, Err: err}
}

// NewPermanentError wraps err as a permanent failure of the given kind.
func NewPermanentError(kind FailureKind, err error) *PermanentError {
	return &PermanentError{Kind: kind, Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// KindOf extracts the failure kind from err. Unclassified errors default
// to KindHandlerFailure.
func KindOf(err error) FailureKind {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindHandlerFailure
}

// FailureFromError builds the FailureDetail recorded on the job for err.
func FailureFromError(err error, at time.Time) *FailureDetail {
	if err == nil {
		return nil
	}
	return &FailureDetail{
		Kind:    KindOf(err),
		Message: err.Error(),
		At:      at.UTC(),
	}
}
