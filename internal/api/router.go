package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/quill-jobs/internal/api/shared"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// NewRouter assembles the producer and admin HTTP surface.
func NewRouter(
	jobs *JobHandler,
	deadLetters *DeadLetterHandler,
	jobStore store.JobStore,
) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/jobs", jobs.Enqueue)
	r.Get("/jobs/{id}", jobs.Get)
	r.Get("/queues/{queue}/stats", jobs.Stats)

	r.Get("/dead-letters", deadLetters.List)
	r.Get("/dead-letters/{id}", deadLetters.Get)
	r.Post("/dead-letters/{id}/requeue", deadLetters.Requeue)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := jobStore.Ping(req.Context()); err != nil {
			shared.RespondWithError(w, req, http.StatusServiceUnavailable, "job store unreachable")
			return
		}
		shared.RespondWithJSON(w, req, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
