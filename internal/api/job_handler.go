package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/api/shared"
	"github.com/phrazzld/quill-jobs/internal/domain"
	"github.com/phrazzld/quill-jobs/internal/job"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// EnqueueRequest is the producer API request body.
type EnqueueRequest struct {
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	NoDedup     bool            `json:"no_dedup,omitempty"`
}

// EnqueueResponse reports the enqueue outcome.
type EnqueueResponse struct {
	JobID        uuid.UUID `json:"job_id"`
	Deduplicated bool      `json:"deduplicated"`
}

// JobHandler serves the producer endpoint and job inspection.
type JobHandler struct {
	producer *job.Producer
	jobs     store.JobStore
	logger   *slog.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(producer *job.Producer, jobs store.JobStore, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		producer: producer,
		jobs:     jobs,
		logger:   logger.With("handler", "job"),
	}
}

// Enqueue handles POST /jobs.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Queue == "" || req.Type == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "queue and type are required")
		return
	}

	var opts []job.EnqueueOption
	if req.Fingerprint != "" {
		opts = append(opts, job.WithFingerprint(req.Fingerprint))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.NotBefore != nil {
		opts = append(opts, job.WithNotBefore(*req.NotBefore))
	}
	if req.NoDedup {
		opts = append(opts, job.WithoutDedup())
	}

	result, err := h.producer.Enqueue(r.Context(), req.Queue, req.Type, req.Payload, opts...)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			// Store saturation is producer-visible backpressure: the
			// caller should retry the enqueue later.
			shared.RespondWithError(w, r, http.StatusServiceUnavailable, "job store saturated, retry later")
		default:
			h.logger.Error("enqueue failed", "queue", req.Queue, "job_type", req.Type, "error", err)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "failed to enqueue job")
		}
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, EnqueueResponse{
		JobID:        result.JobID,
		Deduplicated: result.Deduplicated,
	})
}

// Get handles GET /jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid job ID")
		return
	}

	j, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("failed to get job", "job_id", id, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "failed to get job")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, jobView(j))
}

// Stats handles GET /queues/{queue}/stats.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")

	stats, err := h.jobs.QueueStats(r.Context(), queue)
	if err != nil {
		h.logger.Error("failed to get queue stats", "queue", queue, "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "failed to get queue stats")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"queue":  queue,
		"counts": stats,
	})
}

// JobView is the API representation of a job. Payload is omitted; the
// dead-letter inspection endpoint exposes it for triage.
type JobView struct {
	ID          uuid.UUID             `json:"id"`
	Queue       string                `json:"queue"`
	Type        string                `json:"type"`
	Status      domain.JobStatus      `json:"status"`
	Attempts    int                   `json:"attempts"`
	MaxAttempts int                   `json:"max_attempts"`
	AvailableAt time.Time             `json:"available_at"`
	LastError   *domain.FailureDetail `json:"last_error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func jobView(j *domain.Job) JobView {
	return JobView{
		ID:          j.ID,
		Queue:       j.Queue,
		Type:        j.Type,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		AvailableAt: j.AvailableAt,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}
