package model

import (
	"time"

	"github.com/google/uuid"
)

// Submission is the immutable finalized result of a completed attempt.
type Submission struct {
	ID             uuid.UUID `json:"id"`
	QuizID         uuid.UUID `json:"quiz_id"`
	StudentID      int       `json:"student_id"`
	AttemptNumber  int       `json:"attempt_number"`
	Answers        Answers   `json:"answers"`
	Score          int       `json:"score"`
	Passed         bool      `json:"passed"`
	ElapsedSeconds int       `json:"time_spent_seconds"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// PendingFinalize is queued when a session ends while its auto-submit still failed.
type PendingFinalize struct {
	AttemptID  uuid.UUID  `json:"attempt_id"`
	Submission Submission `json:"submission"`
	Tries      int        `json:"tries"`
	LastError  string     `json:"last_error,omitempty"`
}
