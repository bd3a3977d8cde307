// Package auth provides cookie-based login against a statically configured
// user list and the request middleware that resolves the authenticated user.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nudgeable/promptlab/internal/domain"
	"github.com/nudgeable/promptlab/internal/store"
)

const (
	// CookieName carries the verified username between requests.
	CookieName   = "nudgeable_session"
	cookieMaxAge = 7 * 24 * time.Hour
)

var (
	// ErrInvalidCredentials is returned when the username/password pair does
	// not match a configured user.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrNotConfigured is returned when no users are configured at all.
	ErrNotConfigured = errors.New("authentication not configured")
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

// UserIDFromContext extracts the authenticated user ID from the request
// context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the authenticated username from the request
// context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// ParseUsers parses the USERS environment value, a comma-separated list of
// username:password pairs. Malformed pairs are rejected outright so a typo
// cannot silently drop a user.
func ParseUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return users, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		name, password, ok := strings.Cut(pair, ":")
		name = strings.TrimSpace(name)
		password = strings.TrimSpace(password)
		if !ok || name == "" || password == "" {
			return nil, fmt.Errorf("malformed user entry %q, want username:password", pair)
		}
		users[name] = password
	}
	return users, nil
}

// Service verifies credentials and manages the session cookie. User rows are
// created lazily on first successful login.
type Service struct {
	repo  store.Repository
	users map[string]string
	isDev bool
}

// NewService creates the auth service. The users map comes from ParseUsers.
func NewService(repo store.Repository, users map[string]string, isDev bool) *Service {
	return &Service{repo: repo, users: users, isDev: isDev}
}

// Login verifies the credentials, ensures the user row exists, and sets the
// session cookie on success.
func (s *Service) Login(ctx context.Context, w http.ResponseWriter, username, password string) (*domain.User, error) {
	if len(s.users) == 0 {
		return nil, ErrNotConfigured
	}

	expected, ok := s.users[username]
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(password)) != 1 {
		return nil, ErrInvalidCredentials
	}

	user, err := s.ensureUser(ctx, username)
	if err != nil {
		return nil, err
	}

	s.setCookie(w, username)
	return user, nil
}

// Logout clears the session cookie. Idempotent.
func (s *Service) Logout(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !s.isDev,
	})
}

// Middleware rejects requests without a valid session cookie and injects the
// resolved user ID and username into the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(CookieName)
		if err != nil || c.Value == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		// The cookie survives a configuration change; a username no longer
		// in the configured list stops authenticating.
		if _, ok := s.users[c.Value]; !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		user, err := s.ensureUser(r.Context(), c.Value)
		if err != nil {
			http.Error(w, `{"error":"failed to resolve user"}`, http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, user.UserID)
		ctx = context.WithValue(ctx, usernameKey, user.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) ensureUser(ctx context.Context, username string) (*domain.User, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if user != nil {
		return user, nil
	}

	user = &domain.User{
		UserID:    uuid.NewString(),
		Username:  username,
		CreatedAt: time.Now(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Service) setCookie(w http.ResponseWriter, username string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    username,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !s.isDev,
	})
}
