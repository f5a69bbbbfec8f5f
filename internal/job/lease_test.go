package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/quill-jobs/internal/domain"
	"github.com/phrazzld/quill-jobs/internal/events"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// leaseEnv bundles the lease manager with its mock collaborators. The
// clock offset shifts the mock store's notion of now so tests can skip
// past backoff windows and lease expiries without sleeping.
type leaseEnv struct {
	jobs        *MockJobStore
	deadLetters *MockDeadLetterStore
	manager     *LeaseManager

	mu     sync.Mutex
	offset time.Duration
}

func newLeaseEnv(t *testing.T, leaseDuration time.Duration) *leaseEnv {
	t.Helper()

	env := &leaseEnv{jobs: NewMockJobStore()}
	env.deadLetters = NewMockDeadLetterStore(env.jobs)
	env.jobs.Now = func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return time.Now().UTC().Add(env.offset)
	}

	policy := fixedPolicy(time.Second, time.Minute, 0)
	env.manager = NewLeaseManager(
		env.jobs, env.deadLetters, policy, events.NewInMemoryEmitter(newTestLogger()),
		leaseDuration, newTestLogger())
	return env
}

// advance shifts the store clock forward.
func (e *leaseEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offset += d
}

func TestAcquireEmptyQueue(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	_, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestAcquireIsFIFO(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	base := time.Now().UTC().Add(-time.Hour)
	first := enqueueTestJob(t, env.jobs, "media", "process_asset", 3, base)
	second := enqueueTestJob(t, env.jobs, "media", "process_asset", 3, base.Add(time.Second))

	j, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, j.ID, "the oldest eligible job goes first")
	assert.Equal(t, domain.JobStatusLeased, j.Status)
	assert.Equal(t, "worker-1", j.LeaseOwner)
	assert.Equal(t, 1, j.Attempts)

	j, err = env.manager.Acquire(context.Background(), "media", "worker-2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, j.ID)
}

func TestAcquireSkipsOtherQueues(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	enqueueTestJob(t, env.jobs, "notifications", "send_push", 3, time.Now().UTC().Add(-time.Hour))

	_, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestAcquireSkipsFutureAvailableAt(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	enqueueTestJob(t, env.jobs, "media", "process_asset", 3, time.Now().UTC().Add(time.Hour))

	_, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	assert.ErrorIs(t, err, ErrNoJob)

	env.advance(2 * time.Hour)
	_, err = env.manager.Acquire(context.Background(), "media", "worker-1")
	assert.NoError(t, err)
}

func TestReleaseSuccess(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	enqueueTestJob(t, env.jobs, "media", "process_asset", 3, time.Now().UTC().Add(-time.Hour))

	j, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	require.NoError(t, err)

	require.NoError(t, env.manager.Release(
		context.Background(), j.ID, "worker-1", OutcomeSuccess, nil))

	final, err := env.jobs.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Empty(t, final.LeaseOwner)
	assert.Nil(t, final.LeaseExpiresAt)

	audit, err := env.jobs.ListAudit(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, domain.JobStatusPending, audit[0].ToStatus)
	assert.Equal(t, domain.JobStatusLeased, audit[1].ToStatus)
	assert.Equal(t, domain.JobStatusCompleted, audit[2].ToStatus)
}

func TestReleaseRetryableFailureRequeuesWithBackoff(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	enqueueTestJob(t, env.jobs, "media", "process_asset", 3, time.Now().UTC().Add(-time.Hour))

	j, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	require.NoError(t, err)

	cause := domain.NewRetryableError(domain.KindTransientInfra, errors.New("store unreachable"))
	require.NoError(t, env.manager.Release(
		context.Background(), j.ID, "worker-1", OutcomeRetryableFailure, cause))

	requeued, err := env.jobs.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailedRetryable, requeued.Status)
	assert.Equal(t, 1, requeued.Attempts, "attempts are not reset by a retryable failure")
	assert.Empty(t, requeued.LeaseOwner)
	assert.True(t, requeued.AvailableAt.After(time.Now().Add(500*time.Millisecond)),
		"backoff must push availability into the future")
	require.NotNil(t, requeued.LastError)
	assert.Equal(t, domain.KindTransientInfra, requeued.LastError.Kind)
	assert.Contains(t, requeued.LastError.Message, "store unreachable")
}

func TestReleasePermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	enqueueTestJob(t, env.jobs, "media", "process_asset", 5, time.Now().UTC().Add(-time.Hour))

	j, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	require.NoError(t, err)

	cause := domain.NewPermanentError(domain.KindValidation, errors.New("missing asset_id"))
	require.NoError(t, env.manager.Release(
		context.Background(), j.ID, "worker-1", OutcomePermanentFailure, cause))

	dead, err := env.jobs.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDead, dead.Status)
	assert.Equal(t, 1, dead.Attempts, "permanent failure bypasses remaining attempts")

	entry, err := env.deadLetters.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "media", entry.Queue)
	require.NotNil(t, entry.LastError)
	assert.Equal(t, domain.KindValidation, entry.LastError.Kind)
	assert.GreaterOrEqual(t, len(entry.Audit), 3,
		"the dead-letter copy carries the full audit trail")
}

func TestRetryableFailuresExhaustAttempts(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	j := enqueueTestJob(t, env.jobs, "media", "process_asset", 3, time.Now().UTC().Add(-time.Hour))
	cause := domain.NewRetryableError(domain.KindHandlerFailure, errors.New("flaky dependency"))

	// Attempts 1 and 2 requeue with backoff; the clock skips each backoff
	// window so the job is immediately eligible again.
	for attempt := 1; attempt <= 2; attempt++ {
		leased, err := env.manager.Acquire(context.Background(), "media", "worker-1")
		require.NoError(t, err)
		require.Equal(t, attempt, leased.Attempts)

		require.NoError(t, env.manager.Release(
			context.Background(), j.ID, "worker-1", OutcomeRetryableFailure, cause))

		got, err := env.jobs.GetByID(context.Background(), j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailedRetryable, got.Status,
			"attempt %d of 3 must stay retryable", attempt)

		env.advance(time.Hour)
	}

	// The third and final attempt dead-letters instead of requeueing.
	leased, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	require.NoError(t, err)
	require.Equal(t, 3, leased.Attempts)

	require.NoError(t, env.manager.Release(
		context.Background(), j.ID, "worker-1", OutcomeRetryableFailure, cause))

	final, err := env.jobs.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDead, final.Status)
	assert.Equal(t, 1, env.deadLetters.Count())

	// No further acquisition is possible.
	env.advance(time.Hour)
	_, err = env.manager.Acquire(context.Background(), "media", "worker-1")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestReleaseByNonOwnerFails(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	enqueueTestJob(t, env.jobs, "media", "process_asset", 3, time.Now().UTC().Add(-time.Hour))

	j, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	require.NoError(t, err)

	err = env.manager.Release(context.Background(), j.ID, "worker-2", OutcomeSuccess, nil)
	require.Error(t, err)
	assert.True(t, store.IsConflictError(err))

	// The job is untouched.
	got, err := env.jobs.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusLeased, got.Status)
	assert.Equal(t, "worker-1", got.LeaseOwner)
}

func TestRenew(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	enqueueTestJob(t, env.jobs, "media", "process_asset", 3, time.Now().UTC().Add(-time.Hour))

	j, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	require.NoError(t, err)

	require.NoError(t, env.manager.Renew(context.Background(), j.ID, "worker-1"))

	// A non-owner cannot renew.
	err = env.manager.Renew(context.Background(), j.ID, "worker-2")
	assert.True(t, store.IsConflictError(err))

	// An expired lease cannot be renewed either.
	env.advance(2 * time.Minute)
	err = env.manager.Renew(context.Background(), j.ID, "worker-1")
	assert.True(t, store.IsConflictError(err))
}

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	enqueueTestJob(t, env.jobs, "media", "process_asset", 5, time.Now().UTC().Add(-time.Hour))

	j, err := env.manager.Acquire(context.Background(), "media", "worker-1")
	require.NoError(t, err)

	// Nothing to reclaim while the lease is live.
	env.manager.sweepOnce(context.Background())
	got, err := env.jobs.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusLeased, got.Status)

	// Past expiry the sweep returns the job to pending with attempts
	// preserved; delivery is at-least-once.
	env.advance(2 * time.Minute)
	env.manager.sweepOnce(context.Background())

	got, err = env.jobs.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Empty(t, got.LeaseOwner)
	assert.Equal(t, 1, got.Attempts)

	// Another worker picks the job up on the next attempt.
	reacquired, err := env.manager.Acquire(context.Background(), "media", "worker-2")
	require.NoError(t, err)
	assert.Equal(t, j.ID, reacquired.ID)
	assert.Equal(t, 2, reacquired.Attempts)

	// The presumed-dead worker's late release hits a lease conflict.
	err = env.manager.Release(context.Background(), j.ID, "worker-1", OutcomeSuccess, nil)
	assert.True(t, store.IsConflictError(err))
}

func TestConcurrentAcquisitionIsExclusive(t *testing.T) {
	t.Parallel()

	env := newLeaseEnv(t, time.Minute)
	const jobCount = 20
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < jobCount; i++ {
		enqueueTestJob(t, env.jobs, "media", "process_asset", 3, base.Add(time.Duration(i)*time.Millisecond))
	}

	// Many workers race for the same queue; every job must be granted to
	// exactly one of them.
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				j, err := env.manager.Acquire(context.Background(), "media", workerID)
				if errors.Is(err, ErrNoJob) {
					return
				}
				require.NoError(t, err)
				mu.Lock()
				seen[j.ID.String()]++
				mu.Unlock()
			}
		}("worker-" + string(rune('a'+w)))
	}
	wg.Wait()

	assert.Len(t, seen, jobCount)
	for id, grants := range seen {
		assert.Equal(t, 1, grants, "job %s leased more than once", id)
	}
}
