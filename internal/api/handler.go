// Package api provides HTTP handlers for the Nudgeable API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nudgeable/promptlab/internal/auth"
	"github.com/nudgeable/promptlab/internal/judge"
	"github.com/nudgeable/promptlab/internal/llm"
	"github.com/nudgeable/promptlab/internal/progress"
	"github.com/nudgeable/promptlab/internal/session"
	"github.com/nudgeable/promptlab/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	auth     *auth.Service
	sessions *session.Service
	progress *progress.Service
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, authSvc *auth.Service, sessions *session.Service, progressSvc *progress.Service) *Handler {
	return &Handler{
		repo:     repo,
		auth:     authSvc,
		sessions: sessions,
		progress: progressSvc,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// serviceError maps lifecycle and collaborator errors onto HTTP statuses.
// Quota errors are 429 so clients know to back off and retry; a malformed
// judge verdict is a 502 because the upstream model, not the client, failed.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrMissingField),
		errors.Is(err, session.ErrPromptBlocked),
		errors.Is(err, session.ErrTooFewMessages):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrAlreadyComplete):
		Error(w, http.StatusConflict, err.Error())
	case llm.IsQuotaError(err):
		Error(w, http.StatusTooManyRequests, "model quota exceeded, retry later")
	case errors.Is(err, judge.ErrMalformedVerdict):
		Error(w, http.StatusBadGateway, "judge returned an unusable verdict, retry evaluation")
	default:
		slog.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
