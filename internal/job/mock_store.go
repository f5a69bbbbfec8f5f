package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/domain"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// MockJobStore is an in-memory store.JobStore used in tests. It enforces
// the same invariants as the Postgres implementation: conditional
// transitions, FIFO acquisition, fingerprint dedup among non-terminal
// jobs, and single non-expired lease per job.
type MockJobStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*domain.Job
	audit map[uuid.UUID][]store.AuditEntry

	// Now is swappable for tests that manipulate time.
	Now func() time.Time

	// InsertErr, when set, is returned by Insert (store failure injection).
	InsertErr error
}

// NewMockJobStore creates an empty in-memory job store.
func NewMockJobStore() *MockJobStore {
	return &MockJobStore{
		jobs:  make(map[uuid.UUID]*domain.Job),
		audit: make(map[uuid.UUID][]store.AuditEntry),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	return &c
}

func (s *MockJobStore) appendAudit(id uuid.UUID, from, to domain.JobStatus, actor, detail string) {
	s.audit[id] = append(s.audit[id], store.AuditEntry{
		JobID:      id,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Detail:     detail,
		CreatedAt:  s.Now(),
	})
}

// Insert implements store.JobStore.
func (s *MockJobStore) Insert(ctx context.Context, job *domain.Job) (uuid.UUID, error) {
	if s.InsertErr != nil {
		return uuid.Nil, s.InsertErr
	}
	if err := job.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Fingerprint != "" {
		for _, existing := range s.jobs {
			if existing.Fingerprint == job.Fingerprint && !existing.Status.IsTerminal() {
				return existing.ID, store.ErrDuplicateFingerprint
			}
		}
	}

	s.jobs[job.ID] = cloneJob(job)
	s.appendAudit(job.ID, "", domain.JobStatusPending, store.ActorProducer, "enqueued")
	return job.ID, nil
}

// GetByID implements store.JobStore.
func (s *MockJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// Transition implements store.JobStore.
func (s *MockJobStore) Transition(
	ctx context.Context,
	id uuid.UUID,
	expected, next domain.JobStatus,
	fields store.TransitionFields,
	actor string,
) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if fields.ExpectOwner != "" && j.LeaseOwner != fields.ExpectOwner {
		return nil, fmt.Errorf("%w: job %s held by %q", store.ErrLeaseNotHeld, id, j.LeaseOwner)
	}
	if j.Status != expected {
		return nil, fmt.Errorf("%w: job %s is %q", store.ErrStatusConflict, id, j.Status)
	}

	j.Status = next
	j.UpdatedAt = s.Now()
	if fields.AvailableAt != nil {
		j.AvailableAt = *fields.AvailableAt
	}
	if fields.LastError != nil {
		e := *fields.LastError
		j.LastError = &e
	}
	if fields.ClearLease {
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
	}
	if fields.ResetAttempts {
		j.Attempts = 0
	}

	detail := ""
	if fields.LastError != nil {
		detail = fields.LastError.Message
	}
	s.appendAudit(id, expected, next, actor, detail)
	return cloneJob(j), nil
}

// AcquireOldest implements store.JobStore.
func (s *MockJobStore) AcquireOldest(
	ctx context.Context,
	queue, workerID string,
	leaseFor time.Duration,
) (*domain.Job, domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var eligible []*domain.Job
	for _, j := range s.jobs {
		if j.Queue != queue {
			continue
		}
		if j.Status != domain.JobStatusPending && j.Status != domain.JobStatusFailedRetryable {
			continue
		}
		if j.AvailableAt.After(now) {
			continue
		}
		eligible = append(eligible, j)
	}
	if len(eligible) == 0 {
		return nil, "", store.ErrNoEligibleJobs
	}

	sort.Slice(eligible, func(a, b int) bool {
		if !eligible[a].CreatedAt.Equal(eligible[b].CreatedAt) {
			return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
		}
		return eligible[a].ID.String() < eligible[b].ID.String()
	})

	j := eligible[0]
	prev := j.Status
	expires := now.Add(leaseFor)
	j.Status = domain.JobStatusLeased
	j.LeaseOwner = workerID
	j.LeaseExpiresAt = &expires
	j.Attempts++
	j.UpdatedAt = now

	s.appendAudit(j.ID, prev, domain.JobStatusLeased, workerID,
		fmt.Sprintf("lease granted (attempt %d)", j.Attempts))
	return cloneJob(j), prev, nil
}

// ExtendLease implements store.JobStore.
func (s *MockJobStore) ExtendLease(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	leaseFor time.Duration,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	now := s.Now()
	if !ok || j.Status != domain.JobStatusLeased || j.LeaseOwner != workerID ||
		j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(now) {
		return fmt.Errorf("%w: job %s, worker %s", store.ErrLeaseNotHeld, id, workerID)
	}

	expires := now.Add(leaseFor)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return nil
}

// ReclaimExpired implements store.JobStore.
func (s *MockJobStore) ReclaimExpired(ctx context.Context) ([]store.ReclaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var reclaimed []store.ReclaimedJob
	for _, j := range s.jobs {
		if !j.LeaseExpired(now) {
			continue
		}
		reclaimed = append(reclaimed, store.ReclaimedJob{
			ID:       j.ID,
			Queue:    j.Queue,
			Type:     j.Type,
			Attempts: j.Attempts,
			Owner:    j.LeaseOwner,
		})
		owner := j.LeaseOwner
		j.Status = domain.JobStatusPending
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		s.appendAudit(j.ID, domain.JobStatusLeased, domain.JobStatusPending,
			store.ActorSweeper, fmt.Sprintf("lease expired; previous owner %q presumed dead", owner))
	}
	return reclaimed, nil
}

// ListAudit implements store.JobStore.
func (s *MockJobStore) ListAudit(ctx context.Context, id uuid.UUID) ([]store.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]store.AuditEntry, len(s.audit[id]))
	copy(entries, s.audit[id])
	return entries, nil
}

// QueueStats implements store.JobStore.
func (s *MockJobStore) QueueStats(
	ctx context.Context,
	queue string,
) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[domain.JobStatus]int)
	for _, j := range s.jobs {
		if j.Queue == queue {
			stats[j.Status]++
		}
	}
	return stats, nil
}

// Ping implements store.JobStore.
func (s *MockJobStore) Ping(ctx context.Context) error { return nil }

// JobCount returns the number of stored jobs. Test helper.
func (s *MockJobStore) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// MockDeadLetterStore is an in-memory store.DeadLetterStore for tests.
type MockDeadLetterStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*store.DeadLetter

	// jobs, when set, lets Requeue resurrect jobs in the paired job store.
	jobs *MockJobStore
}

// NewMockDeadLetterStore creates an empty dead-letter store. The job
// store may be nil if Requeue is not exercised.
func NewMockDeadLetterStore(jobs *MockJobStore) *MockDeadLetterStore {
	return &MockDeadLetterStore{
		entries: make(map[uuid.UUID]*store.DeadLetter),
		jobs:    jobs,
	}
}

// Add implements store.DeadLetterStore.
func (s *MockDeadLetterStore) Add(
	ctx context.Context,
	job *domain.Job,
	audit []store.AuditEntry,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[job.ID]; ok {
		return nil
	}
	trail := make([]store.AuditEntry, len(audit))
	copy(trail, audit)
	s.entries[job.ID] = &store.DeadLetter{
		JobID:     job.ID,
		Queue:     job.Queue,
		Type:      job.Type,
		Payload:   job.Payload,
		Attempts:  job.Attempts,
		LastError: job.LastError,
		Audit:     trail,
		DiedAt:    time.Now().UTC(),
	}
	return nil
}

// List implements store.DeadLetterStore.
func (s *MockDeadLetterStore) List(
	ctx context.Context,
	queue string,
	limit, offset int,
) ([]store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.DeadLetter
	for _, e := range s.entries {
		if queue == "" || e.Queue == queue {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DiedAt.After(out[b].DiedAt) })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get implements store.DeadLetterStore.
func (s *MockDeadLetterStore) Get(ctx context.Context, jobID uuid.UUID) (*store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok {
		return nil, store.ErrDeadLetterNotFound
	}
	copied := *e
	return &copied, nil
}

// Requeue implements store.DeadLetterStore.
func (s *MockDeadLetterStore) Requeue(
	ctx context.Context,
	jobID uuid.UUID,
	actor string,
) (*domain.Job, error) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrDeadLetterNotFound
	}

	// Requeueing re-enters the non-terminal dedup window: an equivalent
	// live job blocks the resurrection, mirroring the partial unique
	// index on fingerprint.
	dead, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if dead.Fingerprint != "" {
		s.jobs.mu.Lock()
		for _, other := range s.jobs.jobs {
			if other.ID != jobID && other.Fingerprint == dead.Fingerprint && !other.Status.IsTerminal() {
				s.jobs.mu.Unlock()
				return nil, fmt.Errorf("%w: fingerprint held by job %s",
					store.ErrDuplicateFingerprint, other.ID)
			}
		}
		s.jobs.mu.Unlock()
	}

	j, err := s.jobs.Transition(ctx, jobID, domain.JobStatusDead, domain.JobStatusPending,
		store.TransitionFields{ClearLease: true, ResetAttempts: true}, actor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := time.Now().UTC()
	e.RequeuedAt = &now
	s.mu.Unlock()
	return j, nil
}

// Count returns the number of dead-letter entries. Test helper.
func (s *MockDeadLetterStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
