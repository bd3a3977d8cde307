// Package judge implements the LLM-graded evaluation protocol: it renders a
// conversation transcript, submits it to a generative model under the rubric
// instruction document, and parses the strict-JSON verdict into a structured
// evaluation record.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nudgeable/promptlab/internal/domain"
	"github.com/nudgeable/promptlab/internal/llm"
	"github.com/nudgeable/promptlab/internal/rubric"
)

// ErrMalformedVerdict marks judge responses that are not valid JSON or do
// not conform to the rubric shape. Distinct from model-call failures: the
// caller must leave the session retryable and persist nothing.
var ErrMalformedVerdict = errors.New("malformed judge verdict")

// Judge turns a finished conversation into a structured evaluation.
type Judge struct {
	client llm.Client
	rubric *rubric.Rubric
	model  string
}

// New creates a Judge bound to one fixed rubric version. The rubric is
// immutable shared data; a single Judge serves all requests.
func New(client llm.Client, r *rubric.Rubric, model string) *Judge {
	return &Judge{client: client, rubric: r, model: model}
}

// Rubric returns the rubric version this judge operates under.
func (j *Judge) Rubric() *rubric.Rubric {
	return j.rubric
}

// Evaluate runs the full judge protocol over the session's transcript.
// On any failure no evaluation is produced; model-call errors (including
// retryable quota errors) pass through classified, and shape problems are
// wrapped in ErrMalformedVerdict.
func (j *Judge) Evaluate(ctx context.Context, session *domain.Session, messages []domain.Message) (*domain.Evaluation, error) {
	content := j.buildRequest(session, messages)

	raw, err := j.client.GenerateJSON(ctx, llm.JSONRequest{
		Model:        j.model,
		Instructions: j.rubric.Instructions(),
		Content:      content,
	})
	if err != nil {
		return nil, fmt.Errorf("judge model call: %w", err)
	}

	verdict, err := j.parseVerdict(raw)
	if err != nil {
		return nil, err
	}

	// The judge applies the weighted formula internally; the stored value is
	// the reported one. Recompute independently and flag drift for QA.
	scores := make(map[string]int, len(verdict.DimensionScores))
	for key, ds := range verdict.DimensionScores {
		scores[key] = ds.Score
	}
	if computed := j.rubric.Overall(scores); computed != verdict.OverallScore {
		slog.Warn("judge overall score does not match weighted recomputation",
			"session_id", session.ID,
			"reported", verdict.OverallScore,
			"computed", computed)
	}

	return &domain.Evaluation{
		SessionID:       session.ID,
		OverallScore:    verdict.OverallScore,
		DimensionScores: verdict.DimensionScores,
		Strengths:       verdict.Strengths,
		Improvements:    verdict.Improvements,
		Efficiency:      verdict.Efficiency,
	}, nil
}

// RenderTranscript concatenates messages as "ROLE: content" blocks in
// stored order, separated by blank lines. This is the canonical transcript
// form fed to the judge.
func RenderTranscript(messages []domain.Message) string {
	blocks := make([]string, 0, len(messages))
	for _, m := range messages {
		blocks = append(blocks, strings.ToUpper(m.Role)+": "+m.Content)
	}
	return strings.Join(blocks, "\n\n")
}

func (j *Judge) buildRequest(session *domain.Session, messages []domain.Message) string {
	var b strings.Builder
	if session.ProblemStatement != "" {
		fmt.Fprintf(&b, "Problem statement: %s\n\n", session.ProblemStatement)
	}
	fmt.Fprintf(&b, "System prompt under evaluation:\n%s\n\n", session.CompiledPrompt)
	fmt.Fprintf(&b, "Message count: %d\n\n", len(messages))
	fmt.Fprintf(&b, "Conversation transcript:\n\n%s\n", RenderTranscript(messages))
	return b.String()
}

type rawVerdict struct {
	OverallScore    *int                             `json:"overall_score"`
	DimensionScores map[string]domain.DimensionScore `json:"dimension_scores"`
	Strengths       []string                         `json:"strengths"`
	Improvements    []string                         `json:"improvements"`
	Efficiency      *domain.PromptEfficiency         `json:"prompt_efficiency"`
}

type verdict struct {
	OverallScore    int
	DimensionScores map[string]domain.DimensionScore
	Strengths       []string
	Improvements    []string
	Efficiency      *domain.PromptEfficiency
}

// parseVerdict strictly validates the raw judge output against the rubric.
// Every rubric dimension must be present with an integer score inside its
// declared bounds; unknown dimension keys are rejected rather than trusted.
func (j *Judge) parseVerdict(raw string) (*verdict, error) {
	cleaned := StripCodeFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedVerdict)
	}

	var rv rawVerdict
	dec := json.NewDecoder(strings.NewReader(cleaned))
	if err := dec.Decode(&rv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	if rv.OverallScore == nil {
		return nil, fmt.Errorf("%w: missing overall_score", ErrMalformedVerdict)
	}
	if *rv.OverallScore < 0 || *rv.OverallScore > 100 {
		return nil, fmt.Errorf("%w: overall_score %d out of range", ErrMalformedVerdict, *rv.OverallScore)
	}

	dims := make(map[string]domain.DimensionScore, len(j.rubric.Dimensions()))
	for _, d := range j.rubric.Dimensions() {
		ds, ok := rv.DimensionScores[d.Key]
		if !ok {
			return nil, fmt.Errorf("%w: missing dimension %q", ErrMalformedVerdict, d.Key)
		}
		if ds.Score < 0 || ds.Score > d.Max {
			return nil, fmt.Errorf("%w: dimension %q score %d out of range 0-%d", ErrMalformedVerdict, d.Key, ds.Score, d.Max)
		}
		// The declared maximum is authoritative regardless of what the
		// model echoed back.
		ds.Max = d.Max
		dims[d.Key] = ds
	}
	for key := range rv.DimensionScores {
		if _, ok := j.rubric.Dimension(key); !ok {
			return nil, fmt.Errorf("%w: unknown dimension %q", ErrMalformedVerdict, key)
		}
	}

	if rv.Efficiency != nil {
		switch rv.Efficiency.RedundancyFlag {
		case "none", "low", "moderate", "high":
		default:
			// Drop a malformed efficiency block instead of failing the whole
			// verdict; the block is optional.
			rv.Efficiency = nil
		}
	}

	return &verdict{
		OverallScore:    *rv.OverallScore,
		DimensionScores: dims,
		Strengths:       rv.Strengths,
		Improvements:    rv.Improvements,
		Efficiency:      rv.Efficiency,
	}, nil
}

// StripCodeFences removes a markdown code fence wrapper from model output.
// Models do not reliably honor the "no fences" instruction, so the raw
// response is unwrapped defensively before parsing.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the opening fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		if firstLine == "" || isLanguageTag(firstLine) {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
