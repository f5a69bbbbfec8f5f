package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrEmptyQueue is returned when a job is created without a queue name.
	ErrEmptyQueue = errors.New("queue name cannot be empty")

	// ErrEmptyType is returned when a job is created without a type.
	ErrEmptyType = errors.New("job type cannot be empty")

	// ErrInvalidStatus is returned when a job status value is not one of
	// the known statuses.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidMaxAttempts is returned when max attempts is zero or negative.
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

	// ErrInvalidPayload is returned when a handler rejects a job payload
	// before doing any work. It is always treated as permanent.
	ErrInvalidPayload = errors.New("invalid job payload")
)
