// Package session owns the prompt-attempt lifecycle: creation with attempt
// numbering, validation, simulated chat turns, and the guarded evaluation
// transition.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nudgeable/promptlab/internal/domain"
	"github.com/nudgeable/promptlab/internal/judge"
	"github.com/nudgeable/promptlab/internal/llm"
	"github.com/nudgeable/promptlab/internal/store"
	"github.com/nudgeable/promptlab/internal/validation"
)

// minMessagesForEvaluation is the lifecycle guard: three full exchanges
// (3 user + 3 assistant turns) before the judge may run.
const minMessagesForEvaluation = 6

// chatTemperature is the sampling temperature for simulation turns.
const chatTemperature = 0.5

// Typed guard and input errors surfaced to the API layer.
var (
	ErrNotFound        = errors.New("session not found")
	ErrMissingField    = errors.New("missing required field")
	ErrPromptBlocked   = errors.New("system prompt has blocking validation errors")
	ErrSessionClosed   = errors.New("session is no longer accepting chat turns")
	ErrTooFewMessages  = errors.New("minimum of 6 exchanges required before evaluation")
	ErrAlreadyComplete = errors.New("session has already been evaluated")
)

// Service implements the session lifecycle state machine.
type Service struct {
	repo      store.Repository
	validator *validation.Validator
	client    llm.Client
	judge     *judge.Judge
	chatModel string
	now       func() time.Time
}

// NewService creates the lifecycle service.
func NewService(repo store.Repository, validator *validation.Validator, client llm.Client, j *judge.Judge, chatModel string) *Service {
	return &Service{
		repo:      repo,
		validator: validator,
		client:    client,
		judge:     j,
		chatModel: chatModel,
		now:       time.Now,
	}
}

// CreateInput carries the fields of a new prompt attempt.
type CreateInput struct {
	ProblemStatement string
	SystemPrompt     string
	UseCasePrompt    string
	ContextData      string
}

// Create starts a new attempt in draft. The attempt number is scoped to the
// (user, problem statement) pair and assigned monotonically: abandoned
// attempts still occupy their number.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*domain.Session, error) {
	if in.ProblemStatement == "" {
		return nil, fmt.Errorf("%w: problem_statement", ErrMissingField)
	}
	if in.SystemPrompt == "" {
		return nil, fmt.Errorf("%w: system_prompt", ErrMissingField)
	}

	count, err := s.repo.CountSessionAttempts(ctx, userID, in.ProblemStatement)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}

	session := &domain.Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		ProblemStatement: in.ProblemStatement,
		SystemPrompt:     in.SystemPrompt,
		UseCasePrompt:    in.UseCasePrompt,
		ContextData:      in.ContextData,
		CompiledPrompt:   domain.CompilePrompt(in.SystemPrompt, in.UseCasePrompt, in.ContextData),
		AttemptNumber:    count + 1,
		Status:           domain.StatusDraft,
		CreatedAt:        s.now(),
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("session created",
		"session_id", session.ID,
		"user_id", userID,
		"attempt", session.AttemptNumber)
	return session, nil
}

// Get returns a session scoped to its owner.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.Session, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, ErrNotFound
	}
	return session, nil
}

// View pairs a session with its evaluation, when one exists.
type View struct {
	Session    *domain.Session    `json:"session"`
	Evaluation *domain.Evaluation `json:"evaluation,omitempty"`
}

// List returns the user's sessions newest first, each complete session
// paired with its evaluation.
func (s *Service) List(ctx context.Context, userID string) ([]View, error) {
	sessions, err := s.repo.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	views := make([]View, 0, len(sessions))
	for _, session := range sessions {
		view := View{Session: session}
		if session.Status == domain.StatusComplete {
			eval, err := s.repo.GetEvaluation(ctx, session.ID)
			if err != nil {
				return nil, fmt.Errorf("get evaluation: %w", err)
			}
			view.Evaluation = eval
		}
		views = append(views, view)
	}
	return views, nil
}

// Messages returns a session's conversation in canonical order.
func (s *Service) Messages(ctx context.Context, userID, id string) ([]domain.Message, error) {
	session, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// Evaluation returns a session's stored evaluation, or ErrNotFound when
// none exists yet.
func (s *Service) Evaluation(ctx context.Context, userID, id string) (*domain.Evaluation, error) {
	session, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	eval, err := s.repo.GetEvaluation(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	if eval == nil {
		return nil, ErrNotFound
	}
	return eval, nil
}

// ValidationResult is the outcome of a validator run.
type ValidationResult struct {
	Flags     []validation.Flag `json:"flags"`
	Status    string            `json:"status"`
	HasErrors bool              `json:"has_errors"`
}

// Validate runs the static validator over the session's current system
// prompt and persists the result. Re-running always overwrites the prior
// flags. Blocking errors hold the session in draft; a clean run marks it
// validated. Sessions already simulating keep their status but still get
// fresh flags.
func (s *Service) Validate(ctx context.Context, userID, id string) (*ValidationResult, error) {
	session, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return nil, ErrAlreadyComplete
	}

	flags := s.validator.Validate(validation.Input{
		SystemPrompt: session.SystemPrompt,
		ContextData:  session.ContextData,
	})
	hasErrors := validation.HasBlockingErrors(flags)

	status := session.Status
	if status == domain.StatusDraft || status == domain.StatusValidated {
		if hasErrors {
			status = domain.StatusDraft
		} else {
			status = domain.StatusValidated
		}
	}

	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return nil, fmt.Errorf("marshal validation flags: %w", err)
	}
	if err := s.repo.UpdateSessionValidation(ctx, session.ID, string(flagsJSON), status); err != nil {
		return nil, fmt.Errorf("persist validation result: %w", err)
	}

	return &ValidationResult{Flags: flags, Status: status, HasErrors: hasErrors}, nil
}

// ChatResult is the outcome of one simulated exchange.
type ChatResult struct {
	Reply        string `json:"reply"`
	MessageCount int    `json:"message_count"`
}

// ChatTurn runs one simulated exchange: replay history with the compiled
// prompt as system instructions, get the assistant reply, persist both
// turns. The first successful turn moves the session into simulating.
//
// A draft session is validated implicitly first; blocking errors refuse the
// turn before any model call, so a session can never advance out of draft
// with an invalid prompt.
func (s *Service) ChatTurn(ctx context.Context, userID, id, message string) (*ChatResult, error) {
	if message == "" {
		return nil, fmt.Errorf("%w: message", ErrMissingField)
	}

	session, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !session.CanSimulate() {
		return nil, ErrSessionClosed
	}

	if session.Status == domain.StatusDraft {
		result, err := s.Validate(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if result.HasErrors {
			return nil, ErrPromptBlocked
		}
	}

	history, err := s.repo.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	turns := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, llm.Turn{Role: m.Role, Content: m.Content})
	}

	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Model:        s.chatModel,
		SystemPrompt: session.CompiledPrompt,
		History:      turns,
		UserMessage:  message,
		Temperature:  chatTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("chat turn: %w", err)
	}

	userAt := s.now()
	userMsg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      domain.RoleUser,
		Content:   message,
		CreatedAt: userAt,
	}
	if err := s.repo.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	// The reply must sort after the user turn even when the clock has not
	// advanced a millisecond since the first write.
	replyAt := s.now()
	if !replyAt.After(userAt) {
		replyAt = userAt.Add(time.Millisecond)
	}
	assistantMsg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      domain.RoleAssistant,
		Content:   resp.Content,
		CreatedAt: replyAt,
	}
	if err := s.repo.CreateMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	if session.Status != domain.StatusSimulating {
		if err := s.repo.UpdateSessionStatus(ctx, session.ID, domain.StatusSimulating); err != nil {
			return nil, fmt.Errorf("mark simulating: %w", err)
		}
	}

	return &ChatResult{Reply: resp.Content, MessageCount: len(history) + 2}, nil
}

// Evaluate runs the judge protocol once over the full transcript and
// persists the verdict. Guards: the session must not be complete and must
// hold at least six messages. A model or parse failure leaves the session
// in evaluating so the call can be retried; nothing is persisted.
//
// If an evaluation row already exists while the status is still evaluating
// (a partial failure of an earlier run), the row is authoritative: the
// session is repaired to complete and the stored verdict returned without
// re-running the judge.
func (s *Service) Evaluate(ctx context.Context, userID, id string) (*domain.Evaluation, error) {
	session, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return nil, ErrAlreadyComplete
	}

	if existing, err := s.repo.GetEvaluation(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	} else if existing != nil {
		slog.Warn("evaluation exists for non-complete session, repairing status",
			"session_id", session.ID, "status", session.Status)
		if err := s.repo.MarkSessionComplete(ctx, session.ID, s.now()); err != nil {
			return nil, fmt.Errorf("repair session status: %w", err)
		}
		return existing, nil
	}

	count, err := s.repo.CountMessages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if count < minMessagesForEvaluation {
		return nil, fmt.Errorf("%w: have %d", ErrTooFewMessages, count)
	}

	if err := s.repo.MarkSessionEvaluating(ctx, session.ID, s.now()); err != nil {
		return nil, fmt.Errorf("mark evaluating: %w", err)
	}

	messages, err := s.repo.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	eval, err := s.judge.Evaluate(ctx, session, messages)
	if err != nil {
		// Session stays in evaluating; safe to retry.
		return nil, err
	}

	if err := s.repo.SaveEvaluation(ctx, eval, s.now()); err != nil {
		if errors.Is(err, store.ErrEvaluationExists) {
			// Lost a race with a concurrent evaluate; the stored row wins.
			stored, getErr := s.repo.GetEvaluation(ctx, session.ID)
			if getErr == nil && stored != nil {
				return stored, nil
			}
		}
		return nil, fmt.Errorf("persist evaluation: %w", err)
	}

	slog.Info("session evaluated",
		"session_id", session.ID,
		"overall_score", eval.OverallScore)
	return eval, nil
}
