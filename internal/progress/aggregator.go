// Package progress builds per-user score histories from completed sessions.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nudgeable/promptlab/internal/domain"
	"github.com/nudgeable/promptlab/internal/store"
)

// Service aggregates completed sessions into use-case histories.
type Service struct {
	repo store.Repository
}

// NewService creates the aggregator.
func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Aggregate groups a user's completed sessions by exact problem-statement
// string into use cases. Grouping is case-sensitive with no normalization;
// statements differing only in whitespace are distinct use cases.
//
// Attempts inside a use case are ordered by creation time ascending, so the
// latest attempt is the last element. Use cases are ordered by their most
// recent attempt, newest first. A complete session without a stored
// evaluation should not exist, but if one does it is dropped rather than
// failing the whole aggregation.
func (s *Service) Aggregate(ctx context.Context, userID string) ([]domain.UseCase, error) {
	sessions, err := s.repo.ListCompletedSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}

	groups := make(map[string]*domain.UseCase)
	for _, sess := range sessions {
		eval, err := s.repo.GetEvaluation(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get evaluation: %w", err)
		}
		if eval == nil {
			slog.Warn("complete session has no evaluation, dropping from progress",
				"session_id", sess.ID)
			continue
		}

		uc, ok := groups[sess.ProblemStatement]
		if !ok {
			uc = &domain.UseCase{ProblemStatement: sess.ProblemStatement}
			groups[sess.ProblemStatement] = uc
		}

		// Input order is creation time ascending, so appends keep the
		// attempt history in order.
		uc.Attempts = append(uc.Attempts, domain.Attempt{
			SessionID:       sess.ID,
			AttemptNumber:   sess.AttemptNumber,
			OverallScore:    eval.OverallScore,
			DimensionScores: eval.DimensionScores,
			CreatedAt:       sess.CreatedAt,
		})
		if sess.CreatedAt.After(uc.LastUpdated) {
			uc.LastUpdated = sess.CreatedAt
		}
	}

	useCases := make([]domain.UseCase, 0, len(groups))
	for _, uc := range groups {
		useCases = append(useCases, *uc)
	}
	sort.SliceStable(useCases, func(i, j int) bool {
		return useCases[i].LastUpdated.After(useCases[j].LastUpdated)
	})
	return useCases, nil
}
