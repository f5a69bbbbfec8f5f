package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/domain"
)

// Actor identifies who performed a state transition, for the audit trail.
const (
	ActorProducer = "producer"
	ActorSweeper  = "sweeper"
	ActorAdmin    = "admin"
)

// AuditEntry records a single status transition of a job. Every
// transition appends one; the full trail is copied into the dead-letter
// store when a job dies.
type AuditEntry struct {
	JobID      uuid.UUID        `json:"job_id"`
	FromStatus domain.JobStatus `json:"from_status"`
	ToStatus   domain.JobStatus `json:"to_status"`
	Actor      string           `json:"actor"`
	Detail     string           `json:"detail,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TransitionFields carries the optional field updates applied alongside a
// status transition. Zero values leave the corresponding column untouched.
type TransitionFields struct {
	// AvailableAt, when set, reschedules the job (backoff delay).
	AvailableAt *time.Time

	// LastError, when set, records the failure summary of the attempt.
	LastError *domain.FailureDetail

	// ClearLease drops lease_owner and lease_expires_at.
	ClearLease bool

	// ResetAttempts zeroes the attempt counter (manual dead-letter requeue).
	ResetAttempts bool

	// ExpectOwner, when non-empty, additionally requires that the job's
	// current lease is held by this worker.
	ExpectOwner string
}

// ReclaimedJob describes a job whose expired lease was reset by the sweep.
type ReclaimedJob struct {
	ID       uuid.UUID
	Queue    string
	Type     string
	Attempts int
	Owner    string
}

// JobStore is the durable, crash-recoverable source of truth for job
// records. All transitions are conditional on the expected current status
// so two concurrent callers racing on the same job never both succeed.
type JobStore interface {
	// Insert persists a new pending job and appends its creation audit
	// entry. If the job carries a fingerprint equal to an existing
	// non-terminal job's fingerprint, no row is created and the existing
	// job's ID is returned together with ErrDuplicateFingerprint.
	Insert(ctx context.Context, job *domain.Job) (uuid.UUID, error)

	// GetByID retrieves a job by its ID. Returns ErrJobNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// Transition conditionally moves a job from the expected status to a
	// new status, applies the given field updates, and appends an audit
	// entry, all atomically. Returns the updated job, or ErrStatusConflict
	// when the job is not in the expected status (ErrLeaseNotHeld when
	// ExpectOwner does not match).
	Transition(
		ctx context.Context,
		id uuid.UUID,
		expected, next domain.JobStatus,
		fields TransitionFields,
		actor string,
	) (*domain.Job, error)

	// AcquireOldest atomically leases the oldest eligible job in the queue
	// to the given worker: status pending or failed_retryable with
	// available_at <= now, FIFO by created_at (ties broken by ID). The
	// selected job transitions to leased with its attempt counter
	// incremented; the status it transitioned from is returned for the
	// observability hook. Returns ErrNoEligibleJobs when the queue is empty.
	AcquireOldest(
		ctx context.Context,
		queue, workerID string,
		leaseFor time.Duration,
	) (*domain.Job, domain.JobStatus, error)

	// ExtendLease pushes out the lease expiry of a job currently leased by
	// workerID. Returns ErrLeaseNotHeld if the worker no longer holds a
	// valid lease.
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, leaseFor time.Duration) error

	// ReclaimExpired resets all jobs whose lease expired before now back to
	// pending, appending audit entries. The owning workers are presumed
	// dead; this is the crash-recovery path and the sole source of
	// at-least-once (rather than exactly-once) semantics.
	ReclaimExpired(ctx context.Context) ([]ReclaimedJob, error)

	// ListAudit returns the job's audit trail in transition order.
	ListAudit(ctx context.Context, id uuid.UUID) ([]AuditEntry, error)

	// QueueStats returns the number of jobs per status within a queue.
	QueueStats(ctx context.Context, queue string) (map[domain.JobStatus]int, error)

	// Ping verifies the store is reachable. Used by startup checks and the
	// health endpoint.
	Ping(ctx context.Context) error
}

// DeadLetter is a job that exhausted its retries or failed permanently,
// retained with its full failure history for manual triage.
type DeadLetter struct {
	JobID     uuid.UUID             `json:"job_id"`
	Queue     string                `json:"queue"`
	Type      string                `json:"type"`
	Payload   []byte                `json:"payload,omitempty"`
	Attempts  int                   `json:"attempts"`
	LastError *domain.FailureDetail `json:"last_error,omitempty"`
	Audit     []AuditEntry          `json:"audit"`
	DiedAt    time.Time             `json:"died_at"`

	// RequeuedAt is set when an operator manually requeued the job.
	RequeuedAt *time.Time `json:"requeued_at,omitempty"`
}

// DeadLetterStore holds dead-lettered jobs. It is append-mostly and only
// needs to be eventually consistent with the JobStore: every job that
// reaches dead eventually appears here.
type DeadLetterStore interface {
	// Add records a dead job together with its audit trail. Idempotent on
	// job ID so a retried death transition never duplicates the entry.
	Add(ctx context.Context, job *domain.Job, audit []AuditEntry) error

	// List returns dead-letter entries, newest first. Queue filters to a
	// single queue when non-empty.
	List(ctx context.Context, queue string, limit, offset int) ([]DeadLetter, error)

	// Get returns a single dead-letter entry with its full audit trail.
	Get(ctx context.Context, jobID uuid.UUID) (*DeadLetter, error)

	// Requeue resurrects a dead job: attempts reset to zero, status back to
	// pending, lease fields cleared. The dead-letter entry is marked
	// requeued rather than removed, preserving the failure history.
	Requeue(ctx context.Context, jobID uuid.UUID, actor string) (*domain.Job, error)
}
