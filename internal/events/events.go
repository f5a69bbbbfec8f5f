package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/domain"
)

// TransitionEvent describes one job status transition. Emitted for every
// transition, including lease grants, requeues and reclamations.
type TransitionEvent struct {
	// ID is a unique identifier for this event.
	ID uuid.UUID `json:"id"`

	JobID uuid.UUID `json:"job_id"`
	Queue string    `json:"queue"`
	Type  string    `json:"type"`

	FromStatus domain.JobStatus `json:"from_status"`
	ToStatus   domain.JobStatus `json:"to_status"`

	// Attempts is the job's lease-grant count at the time of the transition.
	Attempts int `json:"attempts"`

	Timestamp time.Time `json:"timestamp"`

	// Error carries the failure summary for failure transitions.
	Error *domain.FailureDetail `json:"error,omitempty"`
}

// NewTransitionEvent builds an event for the given job transition.
func NewTransitionEvent(j *domain.Job, from, to domain.JobStatus) *TransitionEvent {
	return &TransitionEvent{
		ID:         uuid.New(),
		JobID:      j.ID,
		Queue:      j.Queue,
		Type:       j.Type,
		FromStatus: from,
		ToStatus:   to,
		Attempts:   j.Attempts,
		Timestamp:  time.Now().UTC(),
		Error:      j.LastError,
	}
}

// Handler defines an interface for components that consume transition
// events (metrics, logging, cache invalidation).
type Handler interface {
	// HandleTransition processes the given event within the provided
	// context. Returns an error if the event cannot be handled.
	HandleTransition(ctx context.Context, event *TransitionEvent) error
}

// Emitter defines an interface for components that publish transition
// events. The lease manager, producer and sweeper emit through this so
// they need no knowledge of the registered consumers.
type Emitter interface {
	// Emit publishes the given event to all registered handlers.
	Emit(ctx context.Context, event *TransitionEvent) error

	// RegisterHandler adds a handler to receive future events.
	RegisterHandler(handler Handler)
}
