package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/quiz-engine/internal/model"
)

// AssessmentStore is the PostgreSQL-backed persistence for attempts and submissions.
type AssessmentStore struct {
	pool *pgxpool.Pool
	*AttemptRepository
	*SubmissionRepository
}

// NewAssessmentStore creates a new AssessmentStore.
func NewAssessmentStore(pool *pgxpool.Pool) *AssessmentStore {
	return &AssessmentStore{
		pool:                 pool,
		AttemptRepository:    NewAttemptRepository(pool),
		SubmissionRepository: NewSubmissionRepository(pool),
	}
}

// FinalizeAttempt marks the attempt submitted and inserts its submission in one
// transaction. Either both happen or neither does.
func (s *AssessmentStore) FinalizeAttempt(ctx context.Context, attemptID uuid.UUID, sub *model.Submission) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := NewAttemptRepository(tx).MarkAttemptSubmitted(ctx, attemptID); err != nil {
			return fmt.Errorf("mark submitted: %w", err)
		}
		if err := NewSubmissionRepository(tx).InsertSubmission(ctx, sub); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		return nil
	})
}
