package domain

import (
	"time"
)

// DimensionScore is the judge's verdict for one rubric dimension.
type DimensionScore struct {
	Score int    `json:"score"`
	Max   int    `json:"max"`
	Note  string `json:"note"`
}

// PromptEfficiency is the judge's optional token-economy assessment.
type PromptEfficiency struct {
	TotalTokens           int    `json:"total_tokens"`
	RedundancyFlag        string `json:"redundancy_flag"` // none | low | moderate | high
	CompressionSuggestion string `json:"compression_suggestion"`
}

// Evaluation is the judge's structured verdict for exactly one session.
// At most one evaluation exists per session and it is never updated.
type Evaluation struct {
	SessionID       string                    `json:"session_id"`
	OverallScore    int                       `json:"overall_score"`
	DimensionScores map[string]DimensionScore `json:"dimension_scores"`
	Strengths       []string                  `json:"strengths"`
	Improvements    []string                  `json:"improvements"`
	Efficiency      *PromptEfficiency         `json:"prompt_efficiency,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
}
