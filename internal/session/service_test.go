package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nudgeable/promptlab/internal/domain"
	"github.com/nudgeable/promptlab/internal/judge"
	"github.com/nudgeable/promptlab/internal/rubric"
	"github.com/nudgeable/promptlab/internal/store"
	"github.com/nudgeable/promptlab/internal/testutil"
	"github.com/nudgeable/promptlab/internal/validation"
)

// cleanPrompt passes every validator check.
const cleanPrompt = "You are a polite support agent. Always greet the caller warmly and never share internal details. You must stay on topic and should escalate when unsure. Keep replies brief and friendly at all times."

// blockedPrompt trips the phone-number check, a blocking error.
const blockedPrompt = "You are a support agent. Always tell customers to call 555-123-4567 when they need escalation, and never forget to mention the number at the end of every single reply you send."

func newTestService(t *testing.T) (*Service, store.Repository, *testutil.MockLLMClient) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mock := &testutil.MockLLMClient{}
	j := judge.New(mock, rubric.V1(), "judge-model")
	svc := NewService(repo, validation.New(), mock, j, "chat-model")
	return svc, repo, mock
}

func seedUser(t *testing.T, repo store.Repository) string {
	t.Helper()
	user := &domain.User{
		UserID:    uuid.NewString(),
		Username:  "tester",
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.CreateUser(context.Background(), user))
	return user.UserID
}

// goodVerdict returns a well-formed judge response with every dimension at 8.
func goodVerdict(t *testing.T) string {
	t.Helper()
	dims := make(map[string]map[string]any)
	for _, d := range rubric.V1().Dimensions() {
		dims[d.Key] = map[string]any{"score": 8, "max": d.Max, "note": "solid"}
	}
	raw, err := json.Marshal(map[string]any{
		"overall_score":    80,
		"dimension_scores": dims,
		"strengths":        []string{"clear role"},
		"improvements":     []string{"add examples"},
	})
	require.NoError(t, err)
	return string(raw)
}

func createSession(t *testing.T, svc *Service, userID, prompt string) *domain.Session {
	t.Helper()
	s, err := svc.Create(context.Background(), userID, CreateInput{
		ProblemStatement: "Handle billing disputes",
		SystemPrompt:     prompt,
	})
	require.NoError(t, err)
	return s
}

// runExchanges drives n full chat exchanges through the service.
func runExchanges(t *testing.T, svc *Service, userID, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.ChatTurn(context.Background(), userID, id, fmt.Sprintf("customer message %d", i+1))
		require.NoError(t, err)
	}
}

func TestCreateAssignsAttemptNumbers(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := seedUser(t, repo)
	ctx := context.Background()

	first := createSession(t, svc, userID, cleanPrompt)
	second := createSession(t, svc, userID, cleanPrompt)
	assert.Equal(t, 1, first.AttemptNumber)
	assert.Equal(t, 2, second.AttemptNumber)
	assert.Equal(t, domain.StatusDraft, first.Status)

	// A different problem statement starts its own attempt series.
	other, err := svc.Create(ctx, userID, CreateInput{
		ProblemStatement: "Recommend hiking gear",
		SystemPrompt:     cleanPrompt,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, other.AttemptNumber)
}

func TestCreateRequiredFields(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := seedUser(t, repo)
	ctx := context.Background()

	_, err := svc.Create(ctx, userID, CreateInput{SystemPrompt: cleanPrompt})
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = svc.Create(ctx, userID, CreateInput{ProblemStatement: "p"})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestCreateCompilesPrompt(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := seedUser(t, repo)

	s, err := svc.Create(context.Background(), userID, CreateInput{
		ProblemStatement: "p",
		SystemPrompt:     "system part",
		UseCasePrompt:    "use case part",
		ContextData:      "context part",
	})
	require.NoError(t, err)
	assert.Equal(t, "system part"+domain.PromptSeparator+"use case part"+domain.PromptSeparator+"context part", s.CompiledPrompt)
}

func TestGetScopesToOwner(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)

	other := &domain.User{UserID: uuid.NewString(), Username: "other", CreatedAt: time.Now()}
	require.NoError(t, repo.CreateUser(context.Background(), other))

	_, err := svc.Get(context.Background(), other.UserID, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Get(context.Background(), userID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateCleanPromptMarksValidated(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)

	result, err := svc.Validate(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.False(t, result.HasErrors)
	assert.Empty(t, result.Flags)
	assert.Equal(t, domain.StatusValidated, result.Status)

	stored, err := svc.Get(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidated, stored.Status)
	require.NotNil(t, stored.ValidationFlags)
}

func TestValidateBlockingErrorsHoldDraft(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, blockedPrompt)

	result, err := svc.Validate(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.True(t, result.HasErrors)
	assert.Equal(t, domain.StatusDraft, result.Status)

	stored, err := svc.Get(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, stored.Status)

	// The persisted flags are the raw validator output.
	var flags []validation.Flag
	require.NotNil(t, stored.ValidationFlags)
	require.NoError(t, json.Unmarshal([]byte(*stored.ValidationFlags), &flags))
	assert.Equal(t, result.Flags, flags)
}

func TestValidateKeepsSimulatingStatus(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	runExchanges(t, svc, userID, s.ID, 1)

	result, err := svc.Validate(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSimulating, result.Status)
}

func TestChatTurnPersistsExchangeAndAdvancesStatus(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	mock.ChatResponse = "Hello, how can I help?"

	result, err := svc.ChatTurn(context.Background(), userID, s.ID, "Hi there")
	require.NoError(t, err)
	assert.Equal(t, "Hello, how can I help?", result.Reply)
	assert.Equal(t, 2, result.MessageCount)

	// Compiled prompt and history reach the model.
	assert.Equal(t, s.CompiledPrompt, mock.LastChat.SystemPrompt)
	assert.Equal(t, "Hi there", mock.LastChat.UserMessage)
	assert.Empty(t, mock.LastChat.History)
	assert.InDelta(t, 0.5, mock.LastChat.Temperature, 0.001)

	stored, err := svc.Get(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSimulating, stored.Status)

	msgs, err := svc.Messages(context.Background(), userID, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi there", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))

	// Second turn replays the history.
	_, err = svc.ChatTurn(context.Background(), userID, s.ID, "Follow up")
	require.NoError(t, err)
	require.Len(t, mock.LastChat.History, 2)
	assert.Equal(t, "Hi there", mock.LastChat.History[0].Content)
}

func TestChatTurnBlockedPromptRefusedBeforeModelCall(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, blockedPrompt)

	_, err := svc.ChatTurn(context.Background(), userID, s.ID, "Hi")
	assert.ErrorIs(t, err, ErrPromptBlocked)
	assert.Equal(t, 0, mock.ChatCalls)

	// The implicit validation run was persisted.
	stored, err := svc.Get(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, stored.Status)
	assert.NotNil(t, stored.ValidationFlags)
}

func TestChatTurnModelFailurePersistsNothing(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	mock.ChatErr = fmt.Errorf("upstream down")

	_, err := svc.ChatTurn(context.Background(), userID, s.ID, "Hi")
	require.Error(t, err)

	msgs, err := svc.Messages(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChatTurnRejectedAfterSimulationEnds(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	runExchanges(t, svc, userID, s.ID, 3)

	mock.JSONResponses = []string{goodVerdict(t)}
	_, err := svc.Evaluate(context.Background(), userID, s.ID)
	require.NoError(t, err)

	_, err = svc.ChatTurn(context.Background(), userID, s.ID, "One more")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestChatTurnRequiresMessage(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)

	_, err := svc.ChatTurn(context.Background(), userID, s.ID, "")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestEvaluateGuardsMessageMinimum(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	runExchanges(t, svc, userID, s.ID, 2) // 4 messages, below the floor

	_, err := svc.Evaluate(context.Background(), userID, s.ID)
	assert.ErrorIs(t, err, ErrTooFewMessages)
	assert.Equal(t, 0, mock.JSONCalls)

	stored, err := svc.Get(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSimulating, stored.Status)
}

func TestEvaluateHappyPath(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	runExchanges(t, svc, userID, s.ID, 3)
	mock.JSONResponses = []string{goodVerdict(t)}

	eval, err := svc.Evaluate(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, eval.OverallScore)
	assert.Len(t, eval.DimensionScores, len(rubric.V1().Dimensions()))

	stored, err := svc.Get(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, stored.Status)
	assert.NotNil(t, stored.EvaluatedAt)
	assert.NotNil(t, stored.CompletedAt)

	// The verdict is retrievable afterwards.
	fetched, err := svc.Evaluation(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, eval.OverallScore, fetched.OverallScore)
}

func TestEvaluateRejectsCompleteSession(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	runExchanges(t, svc, userID, s.ID, 3)
	mock.JSONResponses = []string{goodVerdict(t)}

	_, err := svc.Evaluate(context.Background(), userID, s.ID)
	require.NoError(t, err)

	_, err = svc.Evaluate(context.Background(), userID, s.ID)
	assert.ErrorIs(t, err, ErrAlreadyComplete)
	assert.Equal(t, 1, mock.JSONCalls)
}

func TestEvaluateMalformedVerdictLeavesSessionRetryable(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	runExchanges(t, svc, userID, s.ID, 3)
	mock.JSONResponses = []string{"not json at all"}

	_, err := svc.Evaluate(context.Background(), userID, s.ID)
	assert.ErrorIs(t, err, judge.ErrMalformedVerdict)

	stored, err := svc.Get(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEvaluating, stored.Status)
	assert.NotNil(t, stored.EvaluatedAt)

	_, err = svc.Evaluation(context.Background(), userID, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Retry with a well-formed verdict completes the session.
	mock.JSONResponses = []string{"not json at all", goodVerdict(t)}
	eval, err := svc.Evaluate(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, eval.OverallScore)

	stored, err = svc.Get(context.Background(), userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, stored.Status)
}

func TestEvaluateRepairsOrphanedEvaluation(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)
	s := createSession(t, svc, userID, cleanPrompt)
	runExchanges(t, svc, userID, s.ID, 3)
	ctx := context.Background()

	// Simulate a crash after the evaluation row landed but before the
	// status flip: insert directly, then force the status back.
	require.NoError(t, repo.MarkSessionEvaluating(ctx, s.ID, time.Now()))
	require.NoError(t, repo.SaveEvaluation(ctx, &domain.Evaluation{
		SessionID:       s.ID,
		OverallScore:    62,
		DimensionScores: map[string]domain.DimensionScore{},
	}, time.Now()))
	require.NoError(t, repo.UpdateSessionStatus(ctx, s.ID, domain.StatusEvaluating))

	eval, err := svc.Evaluate(ctx, userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 62, eval.OverallScore)
	assert.Equal(t, 0, mock.JSONCalls)

	stored, err := svc.Get(ctx, userID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, stored.Status)
}

func TestListPairsCompleteSessionsWithEvaluations(t *testing.T) {
	svc, repo, mock := newTestService(t)
	userID := seedUser(t, repo)

	draft := createSession(t, svc, userID, cleanPrompt)
	done := createSession(t, svc, userID, cleanPrompt)
	runExchanges(t, svc, userID, done.ID, 3)
	mock.JSONResponses = []string{goodVerdict(t)}
	_, err := svc.Evaluate(context.Background(), userID, done.ID)
	require.NoError(t, err)

	views, err := svc.List(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byID := make(map[string]View, len(views))
	for _, v := range views {
		byID[v.Session.ID] = v
	}
	assert.Nil(t, byID[draft.ID].Evaluation)
	require.NotNil(t, byID[done.ID].Evaluation)
	assert.Equal(t, 80, byID[done.ID].Evaluation.OverallScore)
}
