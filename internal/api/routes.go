package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nudgeable/promptlab/internal/auth"
	"github.com/nudgeable/promptlab/internal/session"
	"github.com/nudgeable/promptlab/internal/spreadsheet"
)

// maxUploadBytes caps spreadsheet uploads at 10 MiB.
const maxUploadBytes = 10 << 20

// RegisterRoutes mounts the API surface. Everything under /api except the
// auth endpoints requires a valid session cookie.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.handleLogin)
		r.Post("/auth/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)

			r.Get("/health", h.handleHealth)
			r.Get("/me", h.handleMe)
			r.Get("/me/progress", h.handleProgress)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.handleCreateSession)
				r.Get("/", h.handleListSessions)
				r.Get("/{id}", h.handleGetSession)
				r.Post("/{id}/validate", h.handleValidate)
				r.Post("/{id}/chat", h.handleChat)
				r.Post("/{id}/evaluate", h.handleEvaluate)
				r.Get("/{id}/messages", h.handleMessages)
				r.Get("/{id}/evaluation", h.handleEvaluation)
			})

			r.Post("/upload/excel", h.handleUploadExcel)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.auth.Login(r.Context(), w, req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials):
		Error(w, http.StatusUnauthorized, "invalid username or password")
		return
	case errors.Is(err, auth.ErrNotConfigured):
		Error(w, http.StatusInternalServerError, "authentication not configured")
		return
	default:
		serviceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "user": user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, _ *http.Request) {
	h.auth.Logout(w)
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"user_id":  auth.UserIDFromContext(r.Context()),
		"username": auth.UsernameFromContext(r.Context()),
	})
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProblemStatement string `json:"problem_statement"`
		SystemPrompt     string `json:"system_prompt"`
		UseCasePrompt    string `json:"use_case_prompt"`
		ContextData      string `json:"context_data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.sessions.Create(r.Context(), auth.UserIDFromContext(r.Context()), session.CreateInput{
		ProblemStatement: req.ProblemStatement,
		SystemPrompt:     req.SystemPrompt,
		UseCasePrompt:    req.UseCasePrompt,
		ContextData:      req.ContextData,
	})
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views, err := h.sessions.List(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessions.Validate(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.sessions.ChatTurn(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	eval, err := h.sessions.Evaluate(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, eval)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.sessions.Messages(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *Handler) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	eval, err := h.sessions.Evaluation(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, eval)
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	useCases, err := h.progress.Aggregate(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"use_cases": useCases})
}

func (h *Handler) handleUploadExcel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".xlsx" && ext != ".xlsm" {
		Error(w, http.StatusBadRequest, "invalid file type, upload an Excel file (.xlsx)")
		return
	}

	result, err := spreadsheet.Parse(file)
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to parse Excel file")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"file_name":         header.Filename,
		"sheets":            result.Sheets,
		"formatted_context": result.FormattedContext,
	})
}
