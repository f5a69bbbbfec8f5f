package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/domain"
	"github.com/phrazzld/quill-jobs/internal/events"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// ErrNoJob is returned by Acquire when the queue has no eligible job.
var ErrNoJob = errors.New("no job available")

// LeaseManager grants exclusive, time-bounded ownership of jobs to
// workers and applies the retry policy when leases are released with a
// failure. It is a thin orchestration layer: all mutual exclusion comes
// from the store's conditional transitions, so any number of lease
// managers may run against the same store.
type LeaseManager struct {
	jobs          store.JobStore
	deadLetters   store.DeadLetterStore
	policy        *RetryPolicy
	emitter       events.Emitter
	leaseDuration time.Duration
	logger        *slog.Logger
}

// NewLeaseManager creates a lease manager.
func NewLeaseManager(
	jobs store.JobStore,
	deadLetters store.DeadLetterStore,
	policy *RetryPolicy,
	emitter events.Emitter,
	leaseDuration time.Duration,
	logger *slog.Logger,
) *LeaseManager {
	return &LeaseManager{
		jobs:          jobs,
		deadLetters:   deadLetters,
		policy:        policy,
		emitter:       emitter,
		leaseDuration: leaseDuration,
		logger:        logger.With("component", "lease_manager"),
	}
}

// Acquire leases the oldest eligible job in the queue to the given
// worker. Returns ErrNoJob when the queue is empty.
func (m *LeaseManager) Acquire(ctx context.Context, queue, workerID string) (*domain.Job, error) {
	j, prev, err := m.jobs.AcquireOldest(ctx, queue, workerID, m.leaseDuration)
	if err != nil {
		if errors.Is(err, store.ErrNoEligibleJobs) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	m.emit(ctx, j, prev, domain.JobStatusLeased)
	return j, nil
}

// Renew extends an active lease. Long-running handlers call this to
// avoid false reclamation by the sweep.
func (m *LeaseManager) Renew(ctx context.Context, id uuid.UUID, workerID string) error {
	if err := m.jobs.ExtendLease(ctx, id, workerID, m.leaseDuration); err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

// Release ends a lease with the given outcome. On retryable failure the
// retry policy decides between requeue-with-backoff and dead-letter; a
// permanent failure dead-letters immediately. cause carries the handler
// error for failure outcomes and is ignored on success.
func (m *LeaseManager) Release(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	outcome Outcome,
	cause error,
) error {
	switch outcome {
	case OutcomeSuccess:
		return m.releaseSuccess(ctx, id, workerID)
	case OutcomeRetryableFailure, OutcomePermanentFailure:
		return m.releaseFailure(ctx, id, workerID, outcome, cause)
	default:
		return fmt.Errorf("unknown release outcome %d", outcome)
	}
}

func (m *LeaseManager) releaseSuccess(ctx context.Context, id uuid.UUID, workerID string) error {
	j, err := m.jobs.Transition(ctx, id, domain.JobStatusLeased, domain.JobStatusCompleted,
		store.TransitionFields{ClearLease: true, ExpectOwner: workerID}, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	m.emit(ctx, j, domain.JobStatusLeased, domain.JobStatusCompleted)
	return nil
}

func (m *LeaseManager) releaseFailure(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	outcome Outcome,
	cause error,
) error {
	j, err := m.jobs.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load job for release: %w", err)
	}

	now := time.Now().UTC()
	failure := domain.FailureFromError(cause, now)

	// Permanent failures bypass backoff; retryable failures dead-letter
	// only once the attempt that would exceed the ceiling has run.
	if outcome == OutcomePermanentFailure || j.Attempts >= j.MaxAttempts {
		return m.moveToDead(ctx, j, workerID, failure)
	}

	availableAt := m.policy.NextAvailableAt(now, j.Attempts)
	updated, err := m.jobs.Transition(ctx, id, domain.JobStatusLeased, domain.JobStatusFailedRetryable,
		store.TransitionFields{
			AvailableAt: &availableAt,
			LastError:   failure,
			ClearLease:  true,
			ExpectOwner: workerID,
		}, workerID)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	m.logger.Info("job requeued with backoff",
		"job_id", id,
		"queue", updated.Queue,
		"attempts", updated.Attempts,
		"max_attempts", updated.MaxAttempts,
		"available_at", availableAt)
	m.emit(ctx, updated, domain.JobStatusLeased, domain.JobStatusFailedRetryable)
	return nil
}

// moveToDead transitions the job to dead and copies it, with its full
// audit trail, into the dead-letter store. The copy happens after the
// transition commits: the dead-letter store only needs to be eventually
// consistent, and Add is idempotent if a crash forces a retry.
func (m *LeaseManager) moveToDead(
	ctx context.Context,
	j *domain.Job,
	workerID string,
	failure *domain.FailureDetail,
) error {
	dead, err := m.jobs.Transition(ctx, j.ID, domain.JobStatusLeased, domain.JobStatusDead,
		store.TransitionFields{
			LastError:   failure,
			ClearLease:  true,
			ExpectOwner: workerID,
		}, workerID)
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}

	audit, err := m.jobs.ListAudit(ctx, j.ID)
	if err != nil {
		m.logger.Error("failed to load audit trail for dead letter",
			"job_id", j.ID, "error", err)
		audit = nil
	}
	if err := m.deadLetters.Add(ctx, dead, audit); err != nil {
		// The job is already dead in the primary store; the admin surface
		// can still find it there. Log loudly and move on.
		m.logger.Error("failed to copy job into dead-letter store",
			"job_id", j.ID, "error", err)
	}

	m.logger.Error("job dead-lettered",
		"job_id", j.ID,
		"queue", dead.Queue,
		"job_type", dead.Type,
		"attempts", dead.Attempts,
		"error_kind", failureKind(failure))
	m.emit(ctx, dead, domain.JobStatusLeased, domain.JobStatusDead)
	return nil
}

// RunSweeper periodically reclaims expired leases until ctx is
// cancelled. Reclaimed jobs become eligible again within one sweep
// interval; the owning workers are presumed dead.
func (m *LeaseManager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("lease sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lease sweeper stopped")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *LeaseManager) sweepOnce(ctx context.Context) {
	reclaimed, err := m.jobs.ReclaimExpired(ctx)
	if err != nil {
		m.logger.Error("failed to reclaim expired leases", "error", err)
		return
	}
	if len(reclaimed) == 0 {
		return
	}

	m.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
	for _, r := range reclaimed {
		event := &events.TransitionEvent{
			ID:         uuid.New(),
			JobID:      r.ID,
			Queue:      r.Queue,
			Type:       r.Type,
			FromStatus: domain.JobStatusLeased,
			ToStatus:   domain.JobStatusPending,
			Attempts:   r.Attempts,
			Timestamp:  time.Now().UTC(),
		}
		if err := m.emitter.Emit(ctx, event); err != nil {
			m.logger.Error("failed to emit reclaim event", "job_id", r.ID, "error", err)
		}
	}
}

func (m *LeaseManager) emit(ctx context.Context, j *domain.Job, from, to domain.JobStatus) {
	if err := m.emitter.Emit(ctx, events.NewTransitionEvent(j, from, to)); err != nil {
		m.logger.Error("failed to emit transition event",
			"job_id", j.ID,
			"from_status", from,
			"to_status", to,
			"error", err)
	}
}

func failureKind(f *domain.FailureDetail) domain.FailureKind {
	if f == nil {
		return ""
	}
	return f.Kind
}
