package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/quiz-engine/internal/policy"
	"github.com/stemsi/quiz-engine/internal/repository"
)

var (
	ErrAttemptDenied    = errors.New("attempt not allowed")
	ErrQuizInactive     = errors.New("quiz is not active")
	ErrSessionClosed    = errors.New("session is closed")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrUnknownQuestion  = errors.New("question does not belong to this quiz")
	ErrFinalizeFailed   = errors.New("failed to finalize attempt")
	ErrNoActiveSession  = errors.New("no active session for this quiz")
	ErrTimeUp           = errors.New("time limit reached")

	// Store errors, re-exported so callers need not import the repository package.
	ErrQuizNotFound      = repository.ErrQuizNotFound
	ErrOpenAttemptExists = repository.ErrOpenAttemptExists
	ErrAlreadyFinalized  = repository.ErrAlreadyFinalized
	ErrStaleSnapshot     = repository.ErrStaleSnapshot
)

// StaleSnapshotError reports the stored revision that outranked a snapshot.
type StaleSnapshotError = repository.StaleSnapshotError

// DeniedError reports why the attempt-limit policy refused a new session.
type DeniedError struct {
	Reason  policy.DenyReason
	Message string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAttemptDenied, e.Message)
}

func (e *DeniedError) Unwrap() error {
	return ErrAttemptDenied
}
