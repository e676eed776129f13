package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/quiz-engine/internal/model"
)

// AssessmentStore is the durable record of attempts and submissions.
type AssessmentStore interface {
	GetOpenAttempt(ctx context.Context, studentID int, quizID uuid.UUID) (*model.Attempt, error)
	CreateAttempt(ctx context.Context, in model.NewAttempt) (*model.Attempt, error)
	SaveAttemptSnapshot(ctx context.Context, snap model.AttemptSnapshot) error
	MarkAttemptSubmitted(ctx context.Context, attemptID uuid.UUID) error
	InsertSubmission(ctx context.Context, s *model.Submission) error
	CountSubmissions(ctx context.Context, studentID int, quizID uuid.UUID) (count int, maxAttempt int, err error)
	ListByStudent(ctx context.Context, studentID int, quizID uuid.UUID) ([]model.Submission, error)
	// FinalizeAttempt performs MarkAttemptSubmitted and InsertSubmission atomically.
	FinalizeAttempt(ctx context.Context, attemptID uuid.UUID, s *model.Submission) error
}

// DefinitionSource provides read-only quiz metadata and ordered questions.
type DefinitionSource interface {
	GetQuiz(ctx context.Context, quizID uuid.UUID) (*model.QuizDefinition, error)
	GetQuestions(ctx context.Context, quizID uuid.UUID) ([]model.Question, error)
}

// IdentitySource resolves the current test-taker.
type IdentitySource interface {
	StudentID(ctx context.Context) (int, error)
}

// FallbackCache mirrors the in-progress answer map outside the assessment store.
type FallbackCache interface {
	Load(ctx context.Context, studentID int, quizID uuid.UUID) (*model.FallbackEntry, error)
	Replace(ctx context.Context, studentID int, quizID uuid.UUID, entry model.FallbackEntry) error
	SetAnswer(ctx context.Context, studentID int, quizID, attemptID uuid.UUID, questionID, answer string, savedAt time.Time) error
	Clear(ctx context.Context, studentID int, quizID uuid.UUID) error
}

// FinalizeQueue accepts finalize work a session could not complete before teardown.
type FinalizeQueue interface {
	Enqueue(ctx context.Context, p model.PendingFinalize) error
}

// ErrNoIdentity is returned when the request carries no authenticated student.
var ErrNoIdentity = errors.New("no authenticated student on context")

type studentIDKey struct{}

// WithStudentID returns a context carrying the authenticated student id.
func WithStudentID(ctx context.Context, studentID int) context.Context {
	return context.WithValue(ctx, studentIDKey{}, studentID)
}

// ContextIdentity reads the student id placed on the context by the auth middleware.
type ContextIdentity struct{}

func (ContextIdentity) StudentID(ctx context.Context) (int, error) {
	id, ok := ctx.Value(studentIDKey{}).(int)
	if !ok || id <= 0 {
		return 0, ErrNoIdentity
	}
	return id, nil
}
