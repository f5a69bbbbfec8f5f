package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/api/shared"
	"github.com/phrazzld/quill-jobs/internal/job"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// DeadLetterHandler serves the triage surface over the dead-letter store.
// Requeues go through the requeuer so the resurrection emits a transition
// event like any other status change.
type DeadLetterHandler struct {
	deadLetters store.DeadLetterStore
	requeuer    *job.Requeuer
	logger      *slog.Logger
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(
	deadLetters store.DeadLetterStore,
	requeuer *job.Requeuer,
	logger *slog.Logger,
) *DeadLetterHandler {
	return &DeadLetterHandler{
		deadLetters: deadLetters,
		requeuer:    requeuer,
		logger:      logger.With("handler", "dead_letter"),
	}
}

// List handles GET /dead-letters?queue=&limit=&offset=.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	entries, err := h.deadLetters.List(r.Context(), queue, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letters", "queue", queue, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []store.DeadLetter{}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"dead_letters": entries,
	})
}

// Get handles GET /dead-letters/{id}, returning the full entry including
// payload and the audit trail captured at death.
func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid job ID")
		return
	}

	entry, err := h.deadLetters.Get(r.Context(), id)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "dead letter not found")
			return
		}
		h.logger.Error("failed to get dead letter", "job_id", id, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "failed to get dead letter")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, entry)
}

// Requeue handles POST /dead-letters/{id}/requeue: the dead job returns
// to pending with its attempt counter reset.
func (h *DeadLetterHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid job ID")
		return
	}

	j, err := h.requeuer.Requeue(r.Context(), id, store.ActorAdmin)
	if err != nil {
		switch {
		case store.IsNotFoundError(err):
			shared.RespondWithError(w, r, http.StatusNotFound, "dead letter not found")
		case store.IsConflictError(err):
			shared.RespondWithError(w, r, http.StatusConflict, "job is not dead")
		case errors.Is(err, store.ErrDuplicateFingerprint):
			shared.RespondWithError(w, r, http.StatusConflict,
				"an equivalent job is already in flight")
		default:
			h.logger.Error("failed to requeue dead letter", "job_id", id, "error", err)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "failed to requeue dead letter")
		}
		return
	}

	h.logger.Info("dead letter requeued", "job_id", id)
	shared.RespondWithJSON(w, r, http.StatusOK, jobView(j))
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
