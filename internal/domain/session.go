package domain

import (
	"strings"
	"time"
)

// Session statuses. A session only ever moves forward:
// draft -> validated -> simulating -> evaluating -> complete.
// Validation may send a session back to draft when blocking errors exist.
const (
	StatusDraft      = "draft"
	StatusValidated  = "validated"
	StatusSimulating = "simulating"
	StatusEvaluating = "evaluating"
	StatusComplete   = "complete"
)

// PromptSeparator joins the prompt parts inside the compiled prompt.
const PromptSeparator = "\n\n---\n\n"

// Session is a single prompt-development attempt.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	ProblemStatement string     `json:"problem_statement"`
	SystemPrompt     string     `json:"system_prompt"`
	UseCasePrompt    string     `json:"use_case_prompt,omitempty"`
	ContextData      string     `json:"context_data,omitempty"`
	CompiledPrompt   string     `json:"compiled_prompt"`
	AttemptNumber    int        `json:"attempt_number"`
	ValidationFlags  *string    `json:"validation_flags,omitempty"` // raw JSON of the last validator run
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	EvaluatedAt      *time.Time `json:"evaluated_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the session reached its terminal state.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusComplete
}

// CanSimulate reports whether chat turns are allowed for the session.
func (s *Session) CanSimulate() bool {
	switch s.Status {
	case StatusDraft, StatusValidated, StatusSimulating:
		return true
	}
	return false
}

// CompilePrompt concatenates the prompt parts with a visible separator,
// skipping empty parts. The result is the system instruction string sent to
// the model on every chat turn and quoted to the judge.
func CompilePrompt(systemPrompt, useCasePrompt, contextData string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{systemPrompt, useCasePrompt, contextData} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, PromptSeparator)
}
