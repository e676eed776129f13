package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Defaults applied when the quiz row leaves the field unset.
const (
	DefaultPassingScore = 70
	DefaultMaxAttempts  = 1
)

// QuizDefinition is the read-only metadata of a quiz.
type QuizDefinition struct {
	ID                    uuid.UUID `json:"id"`
	Title                 string    `json:"title"`
	TimeLimitSeconds      *int      `json:"time_limit_seconds,omitempty"` // nil means untimed
	PassingScore          int       `json:"passing_score"`
	MaxAttempts           *int      `json:"max_attempts,omitempty"`
	AllowMultipleAttempts bool      `json:"allow_multiple_attempts"`
	IsActive              bool      `json:"is_active"`
}

// AttemptCap is the maximum number of submissions. Unset or non-positive values mean one.
func (q *QuizDefinition) AttemptCap() int {
	if q.MaxAttempts == nil || *q.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return *q.MaxAttempts
}

// Timed reports whether the quiz runs a countdown.
func (q *QuizDefinition) Timed() bool {
	return q.TimeLimitSeconds != nil && *q.TimeLimitSeconds > 0
}

// InitialRemaining returns the full time budget for a fresh attempt, or nil when untimed.
func (q *QuizDefinition) InitialRemaining() *int {
	if !q.Timed() {
		return nil
	}
	v := *q.TimeLimitSeconds
	return &v
}

// QuestionType enumerates the gradable question kinds.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeTrueFalse      QuestionType = "true_false"
	QuestionTypeShortAnswer    QuestionType = "short_answer"
)

// Question represents a single scored question of a quiz.
type Question struct {
	ID            uuid.UUID    `json:"id"`
	QuizID        uuid.UUID    `json:"quiz_id"`
	QuestionText  string       `json:"question_text"`
	QuestionType  QuestionType `json:"question_type"`
	Options       []string     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer"`
	Points        int          `json:"points"`
	OrderIndex    int          `json:"order_index"`
}

// Key is the answer map key for the question.
func (q *Question) Key() string {
	return q.ID.String()
}

// QuestionForStudent is a question without the correct answer, sent to test-takers.
type QuestionForStudent struct {
	ID           uuid.UUID       `json:"id"`
	QuestionText string          `json:"question_text"`
	QuestionType QuestionType    `json:"question_type"`
	Options      json.RawMessage `json:"options,omitempty"`
	Points       int             `json:"points"`
	OrderIndex   int             `json:"order_index"`
}

// StudentView strips the correct answer.
func (q *Question) StudentView() QuestionForStudent {
	v := QuestionForStudent{
		ID:           q.ID,
		QuestionText: q.QuestionText,
		QuestionType: q.QuestionType,
		Points:       q.Points,
		OrderIndex:   q.OrderIndex,
	}
	if len(q.Options) > 0 {
		v.Options, _ = json.Marshal(q.Options)
	}
	return v
}

// QuizPayload is the cached definition: quiz metadata plus its ordered questions.
type QuizPayload struct {
	Quiz      QuizDefinition `json:"quiz"`
	Questions []Question     `json:"questions"`
}
