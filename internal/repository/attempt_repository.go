package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/quiz-engine/internal/model"
)

// AttemptRepository handles quiz_attempts data access.
type AttemptRepository struct {
	db querier
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(db querier) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// GetOpenAttempt returns the unsubmitted attempt for a student and quiz, or nil.
func (r *AttemptRepository) GetOpenAttempt(ctx context.Context, studentID int, quizID uuid.UUID) (*model.Attempt, error) {
	a := &model.Attempt{}
	var answers []byte
	err := r.db.QueryRow(ctx,
		`SELECT id, quiz_id, student_id, attempt_number, answers, started_at, last_updated_at,
		        time_remaining_seconds, revision, is_submitted
		 FROM quiz_attempts
		 WHERE quiz_id = $1 AND student_id = $2 AND is_submitted = FALSE
		 ORDER BY started_at DESC
		 LIMIT 1`, quizID, studentID,
	).Scan(&a.ID, &a.QuizID, &a.StudentID, &a.AttemptNumber, &answers, &a.StartedAt, &a.LastSavedAt,
		&a.RemainingSeconds, &a.Revision, &a.Submitted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := decodeAnswers(answers, &a.Answers); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAttempt inserts a new open attempt with empty answers. The partial unique
// index on open attempts turns a concurrent start into ErrOpenAttemptExists.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, in model.NewAttempt) (*model.Attempt, error) {
	a := &model.Attempt{
		QuizID:           in.QuizID,
		StudentID:        in.StudentID,
		AttemptNumber:    in.AttemptNumber,
		Answers:          model.Answers{},
		RemainingSeconds: in.RemainingSeconds,
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO quiz_attempts (quiz_id, student_id, attempt_number, answers, started_at, last_updated_at, time_remaining_seconds)
		 VALUES ($1, $2, $3, '{}'::jsonb, $4, $4, $5)
		 ON CONFLICT DO NOTHING
		 RETURNING id, started_at, last_updated_at`,
		in.QuizID, in.StudentID, in.AttemptNumber, in.StartedAt, in.RemainingSeconds,
	).Scan(&a.ID, &a.StartedAt, &a.LastSavedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOpenAttemptExists
		}
		return nil, err
	}
	return a, nil
}

// SaveAttemptSnapshot replaces answers and remaining time if the snapshot is newer
// than what is stored. Post-submit snapshots are dropped silently; a snapshot at or
// below the stored revision returns a *StaleSnapshotError.
func (r *AttemptRepository) SaveAttemptSnapshot(ctx context.Context, snap model.AttemptSnapshot) error {
	answers, err := json.Marshal(snap.Answers.Clone())
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE quiz_attempts
		 SET answers = $1, time_remaining_seconds = $2, revision = $3, last_updated_at = $4
		 WHERE id = $5 AND is_submitted = FALSE AND revision < $3`,
		answers, snap.RemainingSeconds, snap.Revision, snap.SavedAt, snap.AttemptID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var (
		stored    int64
		submitted bool
	)
	err = r.db.QueryRow(ctx,
		`SELECT revision, is_submitted FROM quiz_attempts WHERE id = $1`, snap.AttemptID,
	).Scan(&stored, &submitted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("check snapshot revision: %w", err)
	}
	if submitted {
		return nil
	}
	return &StaleSnapshotError{Stored: stored}
}

// MarkAttemptSubmitted flips the attempt to submitted. Returns ErrAlreadyFinalized
// when no open attempt with that id exists.
func (r *AttemptRepository) MarkAttemptSubmitted(ctx context.Context, attemptID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE quiz_attempts
		 SET is_submitted = TRUE, submitted_at = NOW()
		 WHERE id = $1 AND is_submitted = FALSE`, attemptID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

func decodeAnswers(raw []byte, dst *model.Answers) error {
	*dst = model.Answers{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode answers: %w", err)
	}
	return nil
}
