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

// SubmissionRepository handles quiz_submissions data access.
type SubmissionRepository struct {
	db querier
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(db querier) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// InsertSubmission stores a finalized result. A second insert for the same
// (quiz, student, attempt number) returns ErrAlreadyFinalized.
func (r *SubmissionRepository) InsertSubmission(ctx context.Context, s *model.Submission) error {
	answers, err := json.Marshal(s.Answers.Clone())
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO quiz_submissions
		   (quiz_id, student_id, attempt_number, answers, score, passed, time_spent_seconds, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (quiz_id, student_id, attempt_number) DO NOTHING
		 RETURNING id`,
		s.QuizID, s.StudentID, s.AttemptNumber, answers, s.Score, s.Passed, s.ElapsedSeconds, s.StartedAt, s.CompletedAt,
	).Scan(&s.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadyFinalized
		}
		return err
	}
	return nil
}

// CountSubmissions returns how many submissions a student has for a quiz and the
// highest attempt number among them (0 when none).
func (r *SubmissionRepository) CountSubmissions(ctx context.Context, studentID int, quizID uuid.UUID) (int, int, error) {
	var count, maxAttempt int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(MAX(attempt_number), 0)
		 FROM quiz_submissions
		 WHERE quiz_id = $1 AND student_id = $2`, quizID, studentID,
	).Scan(&count, &maxAttempt)
	return count, maxAttempt, err
}

// ListByStudent retrieves a student's submissions for a quiz, newest attempt first.
func (r *SubmissionRepository) ListByStudent(ctx context.Context, studentID int, quizID uuid.UUID) ([]model.Submission, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, quiz_id, student_id, attempt_number, answers, score, passed, time_spent_seconds, started_at, completed_at
		 FROM quiz_submissions
		 WHERE quiz_id = $1 AND student_id = $2
		 ORDER BY attempt_number DESC`, quizID, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		var s model.Submission
		var answers []byte
		if err := rows.Scan(&s.ID, &s.QuizID, &s.StudentID, &s.AttemptNumber, &answers, &s.Score, &s.Passed,
			&s.ElapsedSeconds, &s.StartedAt, &s.CompletedAt); err != nil {
			return nil, err
		}
		if err := decodeAnswers(answers, &s.Answers); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
