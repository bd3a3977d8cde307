package domain

import (
	"time"
)

// Attempt is one completed, evaluated session inside a use case history.
type Attempt struct {
	SessionID       string                    `json:"session_id"`
	AttemptNumber   int                       `json:"attempt_number"`
	OverallScore    int                       `json:"overall_score"`
	DimensionScores map[string]DimensionScore `json:"dimension_scores,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// UseCase groups the attempts a user made against one problem statement.
// Attempts are ordered by creation time ascending, so the latest attempt is
// the last element.
type UseCase struct {
	ProblemStatement string    `json:"problem_statement"`
	Attempts         []Attempt `json:"attempts"`
	LastUpdated      time.Time `json:"last_updated"`
}
