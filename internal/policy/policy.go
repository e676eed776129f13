// Package policy decides whether a student may begin another attempt of a quiz.
package policy

import (
	"fmt"

	"github.com/stemsi/quiz-engine/internal/model"
)

// DenyReason identifies why a new attempt was refused.
type DenyReason string

const (
	ReasonSingleAttemptOnly  DenyReason = "MULTIPLE_ATTEMPTS_NOT_ALLOWED"
	ReasonMaxAttemptsReached DenyReason = "MAX_ATTEMPTS_REACHED"
)

// History summarizes a student's prior submissions for one quiz.
type History struct {
	StudentID        int
	Submissions      int
	MaxAttemptNumber int
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed           bool
	NextAttemptNumber int
	Reason            DenyReason
	Message           string
}

// Evaluate applies the attempt limits of quiz to the student's history.
// The result is advisory and must be recomputed on every session start.
func Evaluate(quiz *model.QuizDefinition, h History) Decision {
	next := h.MaxAttemptNumber + 1
	if next < 1 {
		next = 1
	}

	if !quiz.AllowMultipleAttempts {
		if h.Submissions >= 1 {
			return Decision{
				Reason:  ReasonSingleAttemptOnly,
				Message: "you have already attempted this quiz",
			}
		}
		return Decision{Allowed: true, NextAttemptNumber: next}
	}

	if limit := quiz.AttemptCap(); h.Submissions >= limit {
		return Decision{
			Reason:  ReasonMaxAttemptsReached,
			Message: fmt.Sprintf("you have reached the maximum of %d attempts", limit),
		}
	}

	return Decision{Allowed: true, NextAttemptNumber: next}
}
