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

// EnqueueOption customizes a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	fingerprint  string
	maxAttempts  int
	notBefore    time.Time
	disableDedup bool
}

// WithFingerprint sets the dedup fingerprint. While an equivalent job is
// still non-terminal, enqueue returns the existing job's ID instead of
// creating a new one.
func WithFingerprint(fp string) EnqueueOption {
	return func(o *enqueueOptions) { o.fingerprint = fp }
}

// WithMaxAttempts overrides the configured default attempt ceiling.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithNotBefore delays the job's earliest lease time.
func WithNotBefore(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.notBefore = t }
}

// WithoutDedup opts this enqueue out of fingerprint deduplication. The
// fingerprint is dropped rather than stored, so the new job neither
// collides with nor blocks future duplicates.
func WithoutDedup() EnqueueOption {
	return func(o *enqueueOptions) { o.disableDedup = true }
}

// EnqueueResult reports the outcome of an enqueue call.
type EnqueueResult struct {
	// JobID is the created job's ID, or the existing job's ID when the
	// enqueue deduplicated.
	JobID uuid.UUID

	// Deduplicated is true when an equivalent non-terminal job already
	// existed and no new job was created.
	Deduplicated bool
}

// Producer is the enqueue contract used by request handlers and by other
// workers to submit new jobs.
type Producer struct {
	jobs               store.JobStore
	emitter            events.Emitter
	defaultMaxAttempts int
	logger             *slog.Logger
}

// NewProducer creates a producer writing to the given store.
func NewProducer(
	jobs store.JobStore,
	emitter events.Emitter,
	defaultMaxAttempts int,
	logger *slog.Logger,
) *Producer {
	return &Producer{
		jobs:               jobs,
		emitter:            emitter,
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             logger.With("component", "producer"),
	}
}

// Enqueue submits a new job. Fingerprint collisions with an in-flight
// equivalent job are not errors: the existing job's ID is returned with
// Deduplicated set, making re-submission of the same logical work safe.
func (p *Producer) Enqueue(
	ctx context.Context,
	queue, jobType string,
	payload []byte,
	opts ...EnqueueOption,
) (EnqueueResult, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := o.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.defaultMaxAttempts
	}

	j, err := domain.NewJob(queue, jobType, payload, maxAttempts)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !o.disableDedup {
		j.Fingerprint = o.fingerprint
	}
	if !o.notBefore.IsZero() && o.notBefore.After(j.AvailableAt) {
		j.AvailableAt = o.notBefore.UTC()
	}

	id, err := p.jobs.Insert(ctx, j)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			p.logger.Debug("enqueue deduplicated against in-flight job",
				"queue", queue,
				"job_type", jobType,
				"existing_job_id", id)
			return EnqueueResult{JobID: id, Deduplicated: true}, nil
		}
		return EnqueueResult{}, fmt.Errorf("failed to enqueue job: %w", err)
	}

	p.logger.Info("job enqueued",
		"job_id", id,
		"queue", queue,
		"job_type", jobType,
		"max_attempts", maxAttempts)

	if err := p.emitter.Emit(ctx, events.NewTransitionEvent(j, "", domain.JobStatusPending)); err != nil {
		p.logger.Error("failed to emit enqueue event", "job_id", id, "error", err)
	}

	return EnqueueResult{JobID: id}, nil
}
