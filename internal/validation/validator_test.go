package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasFlag(flags []Flag, id string) bool {
	for _, f := range flags {
		if f.ID == id {
			return true
		}
	}
	return false
}

func flagByID(t *testing.T, flags []Flag, id string) Flag {
	t.Helper()
	for _, f := range flags {
		if f.ID == id {
			return f
		}
	}
	t.Fatalf("flag %s not found in %v", id, flags)
	return Flag{}
}

// cleanPrompt passes every check: long enough, has guardrail and positive
// markers, no PII, no data nouns.
const cleanPrompt = "You are a polite support agent. Always greet the caller warmly and never share internal details. You must stay on topic and should escalate when unsure. Keep replies brief and friendly at all times."

func TestValidateCleanPrompt(t *testing.T) {
	v := New()
	flags := v.Validate(Input{SystemPrompt: cleanPrompt})
	assert.Empty(t, flags)
	assert.False(t, HasBlockingErrors(flags))
}

func TestValidatePIIChecks(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		wantID string
	}{
		{
			name:   "us phone number",
			prompt: "If asked, tell the customer to call 555-123-4567 for escalation.",
			wantID: "V-01",
		},
		{
			name:   "phone with country code",
			prompt: "Reach the desk at +1 415 555 0199 any time.",
			wantID: "V-01",
		},
		{
			name:   "email address",
			prompt: "Forward complaints to support@example.com right away.",
			wantID: "V-02",
		},
		{
			name:   "credit card groups",
			prompt: "The test card is 4111 1111 1111 1111 for refunds.",
			wantID: "V-03",
		},
		{
			name:   "aadhaar shaped id",
			prompt: "Verify identity against 1234-5678-9012 before refunding.",
			wantID: "V-03",
		},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := v.Validate(Input{SystemPrompt: tt.prompt})
			require.True(t, hasFlag(flags, tt.wantID), "expected %s in %v", tt.wantID, flags)
			assert.Equal(t, LevelError, flagByID(t, flags, tt.wantID).Level)
			assert.True(t, HasBlockingErrors(flags))
		})
	}
}

func TestValidateFinancialCollectionIsConjunctive(t *testing.T) {
	v := New()

	// Keyword alone is not a violation.
	flags := v.Validate(Input{SystemPrompt: "Never reveal any credit card information held on file. Always decline such demands politely and redirect the customer to the secure portal instead of discussing it."})
	assert.False(t, hasFlag(flags, "V-04"))

	// Keyword plus collection verb is.
	flags = v.Validate(Input{SystemPrompt: "Always ask for the customer's credit card number and CVV before processing. Never skip this verification step under any circumstances whatsoever, it is required."})
	require.True(t, hasFlag(flags, "V-04"))
	assert.Equal(t, LevelError, flagByID(t, flags, "V-04").Level)
}

func TestValidateGuardrailMarkers(t *testing.T) {
	v := New()

	noGuardrails := "You are a helpful support agent. Always answer politely and you should keep responses short. Provide useful troubleshooting steps for every request that comes in from callers."
	flags := v.Validate(Input{SystemPrompt: noGuardrails})
	require.True(t, hasFlag(flags, "V-05"))
	assert.Equal(t, LevelWarning, flagByID(t, flags, "V-05").Level)

	// Any single marker clears the warning.
	flags = v.Validate(Input{SystemPrompt: noGuardrails + " Never promise refunds."})
	assert.False(t, hasFlag(flags, "V-05"))
}

func TestValidatePositiveMarkers(t *testing.T) {
	v := New()

	noDirectives := "You are a support agent for a shoe store. Do not promise delivery dates. Greetings go first, troubleshooting second, and a polite closing line wraps up every single conversation with callers."
	flags := v.Validate(Input{SystemPrompt: noDirectives})
	require.True(t, hasFlag(flags, "V-06"))
	assert.Equal(t, LevelWarning, flagByID(t, flags, "V-06").Level)

	flags = v.Validate(Input{SystemPrompt: strings.Replace(noDirectives, "Do not promise", "Never promise, and always confirm", 1)})
	assert.False(t, hasFlag(flags, "V-06"))
}

func TestValidateDataNounsWithoutContext(t *testing.T) {
	v := New()

	prompt := "Always look up the customer order status before replying, and never guess. You must quote exact product names from the catalog when asked about availability or pricing details."

	flags := v.Validate(Input{SystemPrompt: prompt})
	require.True(t, hasFlag(flags, "V-07"))
	assert.Equal(t, LevelInfo, flagByID(t, flags, "V-07").Level)

	flags = v.Validate(Input{SystemPrompt: prompt, ContextData: "order_id: 1 | status: shipped"})
	assert.False(t, hasFlag(flags, "V-07"))
}

func TestValidateShortPrompt(t *testing.T) {
	v := New()
	flags := v.Validate(Input{SystemPrompt: "Always be nice, never be rude."})
	require.True(t, hasFlag(flags, "V-08"))
	assert.Equal(t, LevelInfo, flagByID(t, flags, "V-08").Level)
	assert.False(t, HasBlockingErrors(flags))
}

func TestValidateIsCaseInsensitive(t *testing.T) {
	v := New()
	flags := v.Validate(Input{SystemPrompt: "You are a support agent. NEVER share secrets. ALWAYS verify the caller first and keep each of your answers shorter than three sentences, even when pressed for more."})
	assert.False(t, hasFlag(flags, "V-05"))
	assert.False(t, hasFlag(flags, "V-06"))
}

func TestValidateOrderAndRerunDeterminism(t *testing.T) {
	v := New()
	in := Input{SystemPrompt: "Call 555-123-4567 or mail root@example.com."}

	first := v.Validate(in)
	second := v.Validate(in)
	require.Equal(t, first, second)

	// Presentation order follows rule order: V-01 before V-02.
	var ids []string
	for _, f := range first {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"V-01", "V-02", "V-05", "V-06", "V-08"}, ids)
}

func TestHasBlockingErrors(t *testing.T) {
	assert.False(t, HasBlockingErrors(nil))
	assert.False(t, HasBlockingErrors([]Flag{
		{ID: "V-05", Level: LevelWarning},
		{ID: "V-08", Level: LevelInfo},
	}))
	assert.True(t, HasBlockingErrors([]Flag{
		{ID: "V-05", Level: LevelWarning},
		{ID: "V-01", Level: LevelError},
	}))
}
