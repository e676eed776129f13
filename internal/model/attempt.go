package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Answers maps a question id to the student's value. A missing key means unanswered.
type Answers map[string]string

// Clone returns an independent copy. A nil map clones to an empty one.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// AnsweredCount counts answers holding a non-blank value.
func (a Answers) AnsweredCount() int {
	n := 0
	for _, v := range a {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

// Attempt is the mutable, in-progress record of one test-taking session.
type Attempt struct {
	ID               uuid.UUID `json:"id"`
	QuizID           uuid.UUID `json:"quiz_id"`
	StudentID        int       `json:"student_id"`
	AttemptNumber    int       `json:"attempt_number"`
	Answers          Answers   `json:"answers"`
	StartedAt        time.Time `json:"started_at"`
	LastSavedAt      time.Time `json:"last_saved_at"`
	RemainingSeconds *int      `json:"remaining_seconds,omitempty"`
	Revision         int64     `json:"revision"`
	Submitted        bool      `json:"submitted"`
}

// NewAttempt carries what the store needs to open a fresh attempt.
type NewAttempt struct {
	QuizID           uuid.UUID
	StudentID        int
	AttemptNumber    int
	RemainingSeconds *int
	StartedAt        time.Time
}

// AttemptSnapshot is one full autosave of an open attempt. Revision orders snapshots
// in issue order; the store keeps only the highest revision it has seen.
type AttemptSnapshot struct {
	AttemptID        uuid.UUID `json:"attempt_id"`
	Answers          Answers   `json:"answers"`
	RemainingSeconds *int      `json:"remaining_seconds,omitempty"`
	Revision         int64     `json:"revision"`
	SavedAt          time.Time `json:"saved_at"`
}

// FallbackEntry is the locally mirrored answer map of an open attempt.
type FallbackEntry struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	Answers   Answers   `json:"answers"`
	SavedAt   time.Time `json:"saved_at"`
}
