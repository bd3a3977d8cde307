// Package rubric defines the versioned scoring rubric sent to the judge
// model. The dimension table is the single source of truth: both the judge
// instruction document and the response parser are derived from it, so the
// two cannot drift apart.
package rubric

import (
	"fmt"
	"math"
	"strings"
)

// Dimension is one scoring axis of the rubric.
type Dimension struct {
	Key    string
	Label  string
	Max    int
	Weight float64
	Detail string
}

// Rubric is an immutable, versioned scoring specification. Safe to share
// across concurrent requests; never mutated after construction.
type Rubric struct {
	version      string
	dimensions   []Dimension
	instructions string
}

// V1 returns the fixed 7-dimension weighted rubric. Each dimension is
// scored 0-10 by the judge; the weighted sum is designed so a perfect
// prompt scores 100.
func V1() *Rubric {
	r := &Rubric{
		version: "v1",
		dimensions: []Dimension{
			{Key: "role_definition", Label: "Role Definition", Max: 10, Weight: 1.2,
				Detail: "Does the prompt establish a clear agent identity, domain, and tone?"},
			{Key: "structure", Label: "Structure", Max: 10, Weight: 1.4,
				Detail: "Is the prompt organized into recognizable sections rather than one unbroken block?"},
			{Key: "instruction_clarity", Label: "Instruction Clarity", Max: 10, Weight: 1.8,
				Detail: "Are individual instructions specific, unambiguous, and actionable?"},
			{Key: "examples", Label: "Examples", Max: 10, Weight: 1.6,
				Detail: "Does the prompt include few-shot examples of desired agent behavior?"},
			{Key: "guardrails", Label: "Guardrails", Max: 10, Weight: 1.6,
				Detail: "Are forbidden behaviors stated explicitly, and did the agent hold them under pressure?"},
			{Key: "failure_handling", Label: "Failure Handling", Max: 10, Weight: 1.4,
				Detail: "Does the prompt tell the agent what to do when it lacks information or the request is out of scope?"},
			{Key: "conversation_quality", Label: "Conversation Quality", Max: 10, Weight: 1.0,
				Detail: "Were the simulated replies helpful, on-topic, and consistent with the prompt?"},
		},
	}
	r.instructions = buildInstructions(r)
	return r
}

// Version returns the rubric version identifier.
func (r *Rubric) Version() string {
	return r.version
}

// Dimensions returns the rubric's dimension table in presentation order.
func (r *Rubric) Dimensions() []Dimension {
	return r.dimensions
}

// Dimension looks up a dimension by key.
func (r *Rubric) Dimension(key string) (Dimension, bool) {
	for _, d := range r.dimensions {
		if d.Key == key {
			return d, true
		}
	}
	return Dimension{}, false
}

// Overall computes the weighted overall score (0-100, rounded to nearest
// integer) from per-dimension scores. Missing keys count as zero.
func (r *Rubric) Overall(scores map[string]int) int {
	sum := 0.0
	for _, d := range r.dimensions {
		sum += float64(scores[d.Key]) * d.Weight
	}
	return int(math.Round(sum))
}

// Instructions returns the judge instruction document for this rubric.
func (r *Rubric) Instructions() string {
	return r.instructions
}

func buildInstructions(r *Rubric) string {
	var b strings.Builder

	b.WriteString("You are an expert prompt-engineering evaluator for customer-support AI agents.\n")
	b.WriteString("The user submits a system prompt under evaluation together with the transcript of a simulated conversation it produced.\n")
	b.WriteString("Score the prompt on the following dimensions. Each dimension is scored as an integer from 0 to its maximum.\n\n")

	for i, d := range r.dimensions {
		fmt.Fprintf(&b, "%d. %s (key %q, 0-%d, weight %.1f): %s\n", i+1, d.Label, d.Key, d.Max, d.Weight, d.Detail)
	}

	b.WriteString("\nThe overall score is the weighted sum of the dimension scores, rounded to the nearest integer (0-100). Apply the weights above exactly.\n\n")

	b.WriteString("Respond with a single JSON object and nothing else. No prose, no markdown, no code fences. The object must have exactly this shape:\n\n")
	b.WriteString("{\n")
	b.WriteString(`  "overall_score": <integer 0-100>,` + "\n")
	b.WriteString(`  "dimension_scores": {` + "\n")
	for i, d := range r.dimensions {
		comma := ","
		if i == len(r.dimensions)-1 {
			comma = ""
		}
		fmt.Fprintf(&b, "    %q: {\"score\": <integer 0-%d>, \"max\": %d, \"note\": \"<one short justification>\"}%s\n", d.Key, d.Max, d.Max, comma)
	}
	b.WriteString("  },\n")
	b.WriteString(`  "strengths": ["<2-4 short statements of what the prompt does well>"],` + "\n")
	b.WriteString(`  "improvements": ["<2-4 short, concrete improvement suggestions>"],` + "\n")
	b.WriteString(`  "prompt_efficiency": {"total_tokens": <estimated token count of the prompt>, "redundancy_flag": "none|low|moderate|high", "compression_suggestion": "<one sentence, or empty string>"}` + "\n")
	b.WriteString("}\n")

	return b.String()
}
