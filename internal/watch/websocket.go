// Package watch pushes session status transitions over WebSocket so clients
// can observe the evaluating -> complete transition without polling the REST
// API themselves.
package watch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/nudgeable/promptlab/internal/auth"
	"github.com/nudgeable/promptlab/internal/domain"
	"github.com/nudgeable/promptlab/internal/store"
)

const defaultPollInterval = 2 * time.Second

// Handler upgrades session watch requests and streams status updates.
type Handler struct {
	repo          store.Repository
	allowedOrigin string
	isDev         bool
	pollInterval  time.Duration
}

// NewHandler creates a new session watch handler.
func NewHandler(repo store.Repository, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		repo:          repo,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		pollInterval:  defaultPollInterval,
	}
}

// statusUpdate is one pushed event.
type statusUpdate struct {
	Type        string     `json:"type"`
	SessionID   string     `json:"session_id"`
	Status      string     `json:"status"`
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session for watch", "error", err, "session_id", sessionID)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if session == nil || session.UserID != userID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "watch ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	slog.Info("Session watch started", "session_id", sessionID, "user_id", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only keep the connection honest: pings get pongs, a close from
	// the client ends the watch.
	go h.readLoop(ctx, cancel, ws, sessionID)

	h.pushLoop(ctx, ws, session)
	slog.Info("Session watch ended", "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// pushLoop sends the current status immediately, then polls the store and
// pushes every transition until the session completes or the client leaves.
func (h *Handler) pushLoop(ctx context.Context, ws *websocket.Conn, session *domain.Session) {
	if err := h.writeJSON(ctx, ws, updateFor(session)); err != nil {
		slog.Debug("Failed to push initial status", "error", err, "session_id", session.ID)
		return
	}
	if session.IsTerminal() {
		return
	}

	lastStatus := session.Status
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := h.repo.GetSession(ctx, session.ID)
		if err != nil || current == nil {
			slog.Warn("Session watch lost its session", "error", err, "session_id", session.ID)
			return
		}
		if current.Status == lastStatus {
			continue
		}
		lastStatus = current.Status

		if err := h.writeJSON(ctx, ws, updateFor(current)); err != nil {
			slog.Debug("Failed to push status", "error", err, "session_id", session.ID)
			return
		}
		if current.IsTerminal() {
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, sessionID string) {
	defer cancel()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err, "session_id", sessionID)
				return
			}
		}
	}
}

func updateFor(s *domain.Session) statusUpdate {
	return statusUpdate{
		Type:        "status",
		SessionID:   s.ID,
		Status:      s.Status,
		EvaluatedAt: s.EvaluatedAt,
		CompletedAt: s.CompletedAt,
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
