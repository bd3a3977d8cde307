// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nudgeable/promptlab/internal/domain"
)

// ErrEvaluationExists is returned when an evaluation insert violates the
// one-evaluation-per-session invariant.
var ErrEvaluationExists = errors.New("evaluation already exists for session")

// Repository defines the interface for persisting users, sessions,
// messages, and evaluations.
type Repository interface {
	// GetUser retrieves a user by ID. Returns (nil, nil) when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// GetUserByUsername retrieves a user by username. Returns (nil, nil)
	// when absent.
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	// CreateUser inserts a new user record.
	CreateUser(ctx context.Context, user *domain.User) error

	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. Returns (nil, nil) when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns all sessions for a user, newest first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// ListCompletedSessions returns a user's complete sessions, oldest
	// first. This is the aggregator's input order.
	ListCompletedSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// CountSessionAttempts counts sessions for one (user, problem
	// statement) pair. Attempt numbering is count + 1 at creation time.
	CountSessionAttempts(ctx context.Context, userID, problemStatement string) (int, error)

	// UpdateSessionValidation overwrites the stored validation flags and
	// status. Re-running validation always replaces the prior result.
	UpdateSessionValidation(ctx context.Context, id string, flagsJSON string, status string) error

	// UpdateSessionStatus sets the session status.
	UpdateSessionStatus(ctx context.Context, id string, status string) error

	// MarkSessionEvaluating sets status to evaluating and stamps
	// evaluated_at.
	MarkSessionEvaluating(ctx context.Context, id string, at time.Time) error

	// MarkSessionComplete sets status to complete and stamps completed_at.
	MarkSessionComplete(ctx context.Context, id string, at time.Time) error

	// CreateMessage appends an immutable conversation turn.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns a session's messages in creation order
	// ascending, the canonical conversation order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// CountMessages counts a session's persisted messages.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// SaveEvaluation inserts the evaluation and marks the session complete
	// in one transaction, so a partial failure cannot leave an evaluation
	// without the matching status.
	SaveEvaluation(ctx context.Context, eval *domain.Evaluation, completedAt time.Time) error

	// GetEvaluation retrieves the evaluation for a session. Returns
	// (nil, nil) when absent.
	GetEvaluation(ctx context.Context, sessionID string) (*domain.Evaluation, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
