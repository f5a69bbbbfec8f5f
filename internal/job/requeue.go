package job

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/domain"
	"github.com/phrazzld/quill-jobs/internal/events"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// Requeuer resurrects dead jobs on operator request. It wraps the
// dead-letter store so the manual dead to pending transition is observed
// by the same event handlers as every other status change.
type Requeuer struct {
	deadLetters store.DeadLetterStore
	emitter     events.Emitter
	logger      *slog.Logger
}

// NewRequeuer creates a Requeuer.
func NewRequeuer(
	deadLetters store.DeadLetterStore,
	emitter events.Emitter,
	logger *slog.Logger,
) *Requeuer {
	return &Requeuer{
		deadLetters: deadLetters,
		emitter:     emitter,
		logger:      logger.With("component", "requeuer"),
	}
}

// Requeue returns a dead job to pending with its attempt counter reset
// and emits the transition event. Store errors pass through unwrapped so
// callers can classify them.
func (r *Requeuer) Requeue(ctx context.Context, id uuid.UUID, actor string) (*domain.Job, error) {
	j, err := r.deadLetters.Requeue(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	if err := r.emitter.Emit(ctx, events.NewTransitionEvent(j, domain.JobStatusDead, domain.JobStatusPending)); err != nil {
		r.logger.Error("failed to emit requeue event", "job_id", id, "error", err)
	}
	return j, nil
}
