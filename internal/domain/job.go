package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a job in its lifecycle.
type JobStatus string

// Possible job status values. Transitions are monotonic except for
// failed_retryable -> leased (requeue after backoff) and
// leased -> pending (lease expiry reclaim).
const (
	JobStatusPending         JobStatus = "pending"
	JobStatusLeased          JobStatus = "leased"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailedRetryable JobStatus = "failed_retryable"
	JobStatusDead            JobStatus = "dead"
)

// IsValid reports whether s is one of the known job statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusLeased, JobStatusCompleted,
		JobStatusFailedRetryable, JobStatusDead:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal status. Terminal jobs are
// retained for an operator-defined window and purged by external
// housekeeping; the job system never mutates them again, except for a
// manual dead-letter requeue.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusDead
}

// Job represents a single unit of durable background work.
type Job struct {
	// ID uniquely identifies the job. Assigned at enqueue time, immutable.
	ID uuid.UUID

	// Queue is the logical channel the job belongs to (e.g. "media").
	Queue string

	// Type is the handler discriminator within a queue.
	Type string

	// Payload is opaque data interpreted by the handler. The store never
	// inspects it.
	Payload []byte

	// Fingerprint is an optional deterministic hash of the job's
	// identifying fields, used to deduplicate logically-identical work
	// while an equivalent job is still non-terminal.
	Fingerprint string

	// Status is the job's current lifecycle state.
	Status JobStatus

	// Attempts counts lease grants so far. Incremented atomically on
	// each lease acquisition.
	Attempts int

	// MaxAttempts is the ceiling after which a retryable failure becomes
	// terminal.
	MaxAttempts int

	// AvailableAt is the earliest time the job may be leased (again).
	// Enforces both enqueue-time scheduling and retry backoff.
	AvailableAt time.Time

	// LeaseOwner and LeaseExpiresAt are set only while Status is leased.
	LeaseOwner     string
	LeaseExpiresAt *time.Time

	// LastError summarizes the most recent failed attempt, if any.
	LastError *FailureDetail

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob creates a pending job ready for insertion into the store.
// Returns a validation error if the required fields are missing.
func NewJob(queue, jobType string, payload []byte, maxAttempts int) (*Job, error) {
	now := time.Now().UTC()
	j := &Job{
		ID:          uuid.New(),
		Queue:       queue,
		Type:        jobType,
		Payload:     payload,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Validate checks that the job satisfies its structural invariants.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return fmt.Errorf("%w: job ID cannot be nil", ErrInvalidID)
	}
	if j.Queue == "" {
		return ErrEmptyQueue
	}
	if j.Type == "" {
		return ErrEmptyType
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, j.Status)
	}
	if j.MaxAttempts <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxAttempts, j.MaxAttempts)
	}
	return nil
}

// LeaseExpired reports whether the job holds a lease that expired before now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusLeased &&
		j.LeaseExpiresAt != nil &&
		j.LeaseExpiresAt.Before(now)
}

// Fingerprint computes a deterministic fingerprint from a job type and its
// semantically-relevant identifying fields. Producers call this so that
// re-submission of the same logical work (e.g. a retried client upload)
// dedupes against the in-flight job.
func Fingerprint(jobType string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
