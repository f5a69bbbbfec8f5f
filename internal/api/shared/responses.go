// Package shared provides response helpers used by all API handlers.
package shared

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse defines the standard error response structure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondWithJSON writes a JSON response with the given status code and data.
func RespondWithJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err, "path", r.URL.Path)
	}
}

// RespondWithError writes a JSON error response with the given status
// code and message. Server errors log at error level, client errors at
// debug.
func RespondWithError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"status_code", status,
			"path", r.URL.Path,
			"error", message)
	} else {
		slog.Debug("request rejected",
			"status_code", status,
			"path", r.URL.Path,
			"error", message)
	}

	RespondWithJSON(w, r, status, ErrorResponse{Error: message})
}
