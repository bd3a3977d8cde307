package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nudgeable/promptlab/internal/domain"
	"github.com/nudgeable/promptlab/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	// Timestamps are stored as Unix milliseconds: message ordering must
	// stay stable for turns written within the same second.
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		problem_statement TEXT NOT NULL,
		system_prompt TEXT NOT NULL,
		use_case_prompt TEXT,
		context_data TEXT,
		compiled_prompt TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		validation_flags TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		evaluated_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_attempts ON sessions(user_id, problem_statement);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS evaluations (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id),
		overall_score INTEGER NOT NULL,
		dimension_scores TEXT NOT NULL,
		strengths TEXT NOT NULL,
		improvements TEXT NOT NULL,
		prompt_efficiency TEXT,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.getUserWhere(ctx, "user_id = ?", userID)
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.getUserWhere(ctx, "username = ?", username)
}

func (s *SQLiteStore) getUserWhere(ctx context.Context, where string, arg string) (*domain.User, error) {
	query := `SELECT user_id, username, created_at FROM users WHERE ` + where

	var user domain.User
	var createdAt int64

	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.UserID, &user.Username, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.UnixMilli(createdAt)
	return &user, nil
}

// CreateUser inserts a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `INSERT INTO users (user_id, username, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, user.UserID, user.Username, user.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (
		id, user_id, problem_statement, system_prompt, use_case_prompt,
		context_data, compiled_prompt, attempt_number, validation_flags,
		status, created_at, evaluated_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.ProblemStatement,
		session.SystemPrompt, nullString(session.UseCasePrompt),
		nullString(session.ContextData), session.CompiledPrompt,
		session.AttemptNumber, nullStringPtr(session.ValidationFlags),
		session.Status, session.CreatedAt.UnixMilli(),
		nullTime(session.EvaluatedAt), nullTime(session.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, problem_statement, system_prompt, use_case_prompt,
	context_data, compiled_prompt, attempt_number, validation_flags,
	status, created_at, evaluated_at, completed_at`

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions for a user, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? ORDER BY created_at DESC`
	return s.querySessions(ctx, query, userID)
}

// ListCompletedSessions returns a user's complete sessions, oldest first.
func (s *SQLiteStore) ListCompletedSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? AND status = ? ORDER BY created_at ASC`
	return s.querySessions(ctx, query, userID, domain.StatusComplete)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var useCasePrompt, contextData, validationFlags sql.NullString
	var createdAt int64
	var evaluatedAt, completedAt sql.NullInt64

	err := row.Scan(
		&session.ID, &session.UserID, &session.ProblemStatement,
		&session.SystemPrompt, &useCasePrompt, &contextData,
		&session.CompiledPrompt, &session.AttemptNumber, &validationFlags,
		&session.Status, &createdAt, &evaluatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	session.UseCasePrompt = useCasePrompt.String
	session.ContextData = contextData.String
	if validationFlags.Valid {
		session.ValidationFlags = &validationFlags.String
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	if evaluatedAt.Valid {
		ts := time.UnixMilli(evaluatedAt.Int64)
		session.EvaluatedAt = &ts
	}
	if completedAt.Valid {
		ts := time.UnixMilli(completedAt.Int64)
		session.CompletedAt = &ts
	}

	return &session, nil
}

// CountSessionAttempts counts sessions for one (user, problem statement)
// pair.
func (s *SQLiteStore) CountSessionAttempts(ctx context.Context, userID, problemStatement string) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE user_id = ? AND problem_statement = ?`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, problemStatement).Scan(&count); err != nil {
		return 0, fmt.Errorf("count session attempts: %w", err)
	}
	return count, nil
}

// UpdateSessionValidation overwrites the stored validation flags and status.
func (s *SQLiteStore) UpdateSessionValidation(ctx context.Context, id string, flagsJSON string, status string) error {
	query := `UPDATE sessions SET validation_flags = ?, status = ? WHERE id = ?`
	return s.updateSession(ctx, query, flagsJSON, status, id)
}

// UpdateSessionStatus sets the session status.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status string) error {
	query := `UPDATE sessions SET status = ? WHERE id = ?`
	return s.updateSession(ctx, query, status, id)
}

// MarkSessionEvaluating sets status to evaluating and stamps evaluated_at.
func (s *SQLiteStore) MarkSessionEvaluating(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET status = ?, evaluated_at = ? WHERE id = ?`
	return s.updateSession(ctx, query, domain.StatusEvaluating, at.UnixMilli(), id)
}

// MarkSessionComplete sets status to complete and stamps completed_at.
func (s *SQLiteStore) MarkSessionComplete(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET status = ?, completed_at = ? WHERE id = ?`
	return s.updateSession(ctx, query, domain.StatusComplete, at.UnixMilli(), id)
}

func (s *SQLiteStore) updateSession(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

// CreateMessage appends an immutable conversation turn.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	query := `INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages in creation order ascending.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `SELECT id, session_id, role, content, created_at FROM messages
		WHERE session_id = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// CountMessages counts a session's persisted messages.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// SaveEvaluation inserts the evaluation and marks the session complete in
// one transaction. Retries with exponential backoff when the database is
// busy; the write-lock contention window is short under WAL.
func (s *SQLiteStore) SaveEvaluation(ctx context.Context, eval *domain.Evaluation, completedAt time.Time) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.saveEvaluationOnce(ctx, eval, completedAt)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("SaveEvaluation hit a busy database, retrying",
				"session_id", eval.SessionID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("save evaluation for %s after %d attempts: %w", eval.SessionID, maxRetries, err)
}

func (s *SQLiteStore) saveEvaluationOnce(ctx context.Context, eval *domain.Evaluation, completedAt time.Time) error {
	dimensions, err := json.Marshal(eval.DimensionScores)
	if err != nil {
		return fmt.Errorf("marshal dimension scores: %w", err)
	}
	strengths, err := json.Marshal(eval.Strengths)
	if err != nil {
		return fmt.Errorf("marshal strengths: %w", err)
	}
	improvements, err := json.Marshal(eval.Improvements)
	if err != nil {
		return fmt.Errorf("marshal improvements: %w", err)
	}

	var efficiency interface{}
	if eval.Efficiency != nil {
		b, err := json.Marshal(eval.Efficiency)
		if err != nil {
			return fmt.Errorf("marshal prompt efficiency: %w", err)
		}
		efficiency = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evaluation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evaluations (
			session_id, overall_score, dimension_scores, strengths,
			improvements, prompt_efficiency, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eval.SessionID, eval.OverallScore, string(dimensions),
		string(strengths), string(improvements), efficiency,
		completedAt.UnixMilli(),
	)
	if err != nil {
		if shared.IsSQLiteConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrEvaluationExists, eval.SessionID)
		}
		return fmt.Errorf("insert evaluation: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, completed_at = ? WHERE id = ?`,
		domain.StatusComplete, completedAt.UnixMilli(), eval.SessionID,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found: %s", eval.SessionID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evaluation transaction: %w", err)
	}
	return nil
}

// GetEvaluation retrieves the evaluation for a session.
func (s *SQLiteStore) GetEvaluation(ctx context.Context, sessionID string) (*domain.Evaluation, error) {
	query := `SELECT session_id, overall_score, dimension_scores, strengths,
		improvements, prompt_efficiency, created_at
		FROM evaluations WHERE session_id = ?`

	var eval domain.Evaluation
	var dimensions, strengths, improvements string
	var efficiency sql.NullString
	var createdAt int64

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&eval.SessionID, &eval.OverallScore, &dimensions,
		&strengths, &improvements, &efficiency, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan evaluation row: %w", err)
	}

	if err := json.Unmarshal([]byte(dimensions), &eval.DimensionScores); err != nil {
		return nil, fmt.Errorf("unmarshal dimension scores: %w", err)
	}
	if err := json.Unmarshal([]byte(strengths), &eval.Strengths); err != nil {
		return nil, fmt.Errorf("unmarshal strengths: %w", err)
	}
	if err := json.Unmarshal([]byte(improvements), &eval.Improvements); err != nil {
		return nil, fmt.Errorf("unmarshal improvements: %w", err)
	}
	if efficiency.Valid {
		var pe domain.PromptEfficiency
		if err := json.Unmarshal([]byte(efficiency.String), &pe); err != nil {
			return nil, fmt.Errorf("unmarshal prompt efficiency: %w", err)
		}
		eval.Efficiency = &pe
	}
	eval.CreatedAt = time.UnixMilli(createdAt)

	return &eval, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
