package events

import (
	"context"
	"log/slog"

	"github.com/phrazzld/quill-jobs/internal/domain"
)

// SlogHandler logs every transition event. External metrics and logging
// collaborators consume the structured stream; nothing that reaches dead
// is ever silently dropped.
type SlogHandler struct {
	logger *slog.Logger
}

// NewSlogHandler creates a handler that logs transitions through the
// given logger.
func NewSlogHandler(logger *slog.Logger) *SlogHandler {
	return &SlogHandler{logger: logger.With("component", "job_transitions")}
}

// HandleTransition logs the event. Failure transitions log at warn,
// deaths at error, everything else at info.
func (h *SlogHandler) HandleTransition(ctx context.Context, event *TransitionEvent) error {
	attrs := []any{
		"job_id", event.JobID,
		"queue", event.Queue,
		"job_type", event.Type,
		"from_status", event.FromStatus,
		"to_status", event.ToStatus,
		"attempts", event.Attempts,
	}
	if event.Error != nil {
		attrs = append(attrs, "error_kind", event.Error.Kind, "error", event.Error.Message)
	}

	switch {
	case event.ToStatus == domain.JobStatusDead:
		h.logger.Error("job dead-lettered", attrs...)
	case event.Error != nil:
		h.logger.Warn("job transition", attrs...)
	default:
		h.logger.Info("job transition", attrs...)
	}
	return nil
}
