package job

import (
	"context"

	"github.com/phrazzld/quill-jobs/internal/domain"
)

// Handler executes one job type. Implementations must be idempotent: a
// worker that crashes after finishing but before releasing its lease
// causes the job to be reprocessed by another worker.
type Handler interface {
	// Handle executes the job. A nil return completes the job. Errors
	// wrapped in domain.PermanentError dead-letter the job immediately;
	// everything else is retried under the backoff policy until the
	// job's attempt ceiling is reached.
	Handle(ctx context.Context, job *domain.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// Outcome is the result a worker reports when releasing a lease.
type Outcome int

const (
	// OutcomeSuccess completes the job.
	OutcomeSuccess Outcome = iota

	// OutcomeRetryableFailure requeues the job with backoff, or
	// dead-letters it when the attempt ceiling is reached.
	OutcomeRetryableFailure

	// OutcomePermanentFailure dead-letters the job immediately,
	// regardless of remaining attempts.
	OutcomePermanentFailure
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// OutcomeForError classifies a handler error into a release outcome.
func OutcomeForError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case domain.IsPermanent(err):
		return OutcomePermanentFailure
	default:
		return OutcomeRetryableFailure
	}
}
