package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/quiz-engine/internal/model"
)

// QuizRepository reads quiz definitions and their questions.
type QuizRepository struct {
	pool *pgxpool.Pool
}

// NewQuizRepository creates a new QuizRepository.
func NewQuizRepository(pool *pgxpool.Pool) *QuizRepository {
	return &QuizRepository{pool: pool}
}

// GetQuiz retrieves a quiz definition. The time limit is stored in minutes.
func (r *QuizRepository) GetQuiz(ctx context.Context, quizID uuid.UUID) (*model.QuizDefinition, error) {
	q := &model.QuizDefinition{}
	var limitMinutes *int
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, time_limit_minutes, COALESCE(passing_score, $2), max_attempts,
		        COALESCE(allow_multiple_attempts, FALSE), is_active
		 FROM quizzes WHERE id = $1`, quizID, model.DefaultPassingScore,
	).Scan(&q.ID, &q.Title, &limitMinutes, &q.PassingScore, &q.MaxAttempts, &q.AllowMultipleAttempts, &q.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuizNotFound
		}
		return nil, err
	}
	if limitMinutes != nil && *limitMinutes > 0 {
		secs := *limitMinutes * 60
		q.TimeLimitSeconds = &secs
	}
	return q, nil
}

// GetQuestions retrieves the questions of a quiz ordered by order_index.
func (r *QuizRepository) GetQuestions(ctx context.Context, quizID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, quiz_id, question_text, question_type, options, correct_answer, points, order_index
		 FROM quiz_questions WHERE quiz_id = $1
		 ORDER BY order_index`, quizID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var options []byte
		if err := rows.Scan(&q.ID, &q.QuizID, &q.QuestionText, &q.QuestionType, &options, &q.CorrectAnswer, &q.Points, &q.OrderIndex); err != nil {
			return nil, err
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &q.Options); err != nil {
				return nil, fmt.Errorf("decode options of question %s: %w", q.ID, err)
			}
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
