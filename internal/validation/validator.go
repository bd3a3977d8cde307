// Package validation implements the static prompt validator. It scans a
// drafted system prompt for PII and policy problems plus structural gaps
// before a simulation is allowed to proceed.
//
// The checks are best-effort lint heuristics over raw text, not a
// compliance control. The validator never fails: text that matches no
// pattern simply produces no flag for that rule.
package validation

import (
	"regexp"
	"strings"
)

// Level classifies the severity of a validation flag.
type Level string

const (
	LevelError   Level = "ERROR"
	LevelWarning Level = "WARNING"
	LevelInfo    Level = "INFO"
)

// Flag is one typed finding produced by a validator run.
type Flag struct {
	ID      string `json:"id"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Input carries the session fields the validator inspects. Only the system
// prompt is scanned; context data is checked for presence only (V-07) so
// legitimate sample data never triggers PII flags.
type Input struct {
	SystemPrompt string
	ContextData  string
}

// minPromptLength is the threshold below which V-08 fires.
const minPromptLength = 100

var (
	phonePattern      = regexp.MustCompile(`\b(\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d{4}[-.\s]?){3}\d{4}\b`)
	aadhaarPattern    = regexp.MustCompile(`\b\d{4}[-.\s]?\d{4}[-.\s]?\d{4}\b`)
)

var financialKeywords = []string{
	"bank account",
	"account number",
	"routing number",
	"credit card",
	"debit card",
	"cvv",
	"pin number",
	"password",
	"otp",
	"one time password",
	"card details",
	"card number",
	"expiry date",
	"security code",
}

var collectionVerbs = []string{"ask for", "collect", "request"}

var guardrailMarkers = []string{"never", "must not", "do not", "don't", "prohibited", "forbidden"}

var positiveMarkers = []string{"always", "must", "should", "required"}

var dataNouns = []string{"order", "customer", "product", "account", "data"}

// Validator runs the fixed rule set over a drafted prompt. The rule set is
// immutable, process-wide data; a single Validator is safe for concurrent
// use.
type Validator struct{}

// New returns a Validator with the built-in rule set.
func New() *Validator {
	return &Validator{}
}

// Validate runs every check in fixed order and returns the resulting flags.
// Deterministic and pure; keyword checks are case-insensitive.
func (v *Validator) Validate(in Input) []Flag {
	flags := []Flag{}
	prompt := in.SystemPrompt
	lower := strings.ToLower(prompt)

	if phonePattern.MatchString(prompt) {
		flags = append(flags, Flag{
			ID:      "V-01",
			Level:   LevelError,
			Message: "Your prompt contains what appears to be a phone number. Remove all phone number references before continuing.",
		})
	}

	if emailPattern.MatchString(prompt) {
		flags = append(flags, Flag{
			ID:      "V-02",
			Level:   LevelError,
			Message: "Your prompt contains an email address. Remove email addresses or use placeholder text like [EMAIL] instead.",
		})
	}

	if creditCardPattern.MatchString(prompt) || aadhaarPattern.MatchString(prompt) {
		flags = append(flags, Flag{
			ID:      "V-03",
			Level:   LevelError,
			Message: "Your prompt contains what appears to be a financial account number. Remove all sensitive numbers before continuing.",
		})
	}

	// V-04 is conjunctive: a financial keyword alone is fine, a keyword
	// plus a collection verb is a violation.
	if containsAny(lower, financialKeywords) && containsAny(lower, collectionVerbs) {
		flags = append(flags, Flag{
			ID:      "V-04",
			Level:   LevelError,
			Message: "Your system prompt instructs the agent to collect sensitive financial information. This is not allowed.",
		})
	}

	if !containsAny(lower, guardrailMarkers) {
		flags = append(flags, Flag{
			ID:      "V-05",
			Level:   LevelWarning,
			Message: `No guardrail rules found (e.g., "never", "must not", "do not"). Add at least one guardrail to improve your score.`,
		})
	}

	if !containsAny(lower, positiveMarkers) {
		flags = append(flags, Flag{
			ID:      "V-06",
			Level:   LevelWarning,
			Message: `No positive instructions found (e.g., "always", "must"). Add clear directives for what the agent should do.`,
		})
	}

	if containsAny(lower, dataNouns) && in.ContextData == "" {
		flags = append(flags, Flag{
			ID:      "V-07",
			Level:   LevelInfo,
			Message: "Your system prompt mentions data (orders, customers, etc.). Consider adding context data for a more realistic simulation.",
		})
	}

	if len(prompt) < minPromptLength {
		flags = append(flags, Flag{
			ID:      "V-08",
			Level:   LevelInfo,
			Message: "Your system prompt is quite short. Consider adding more detail about the agent's role, tone, and specific behaviors.",
		})
	}

	return flags
}

// HasBlockingErrors reports whether any flag blocks simulation.
func HasBlockingErrors(flags []Flag) bool {
	for _, f := range flags {
		if f.Level == LevelError {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
