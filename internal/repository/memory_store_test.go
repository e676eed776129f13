package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_OneOpenAttemptPerStudentAndQuiz(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	quizID := uuid.New()

	a, err := s.CreateAttempt(ctx, model.NewAttempt{QuizID: quizID, StudentID: 7, AttemptNumber: 1, StartedAt: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, a.Answers)

	_, err = s.CreateAttempt(ctx, model.NewAttempt{QuizID: quizID, StudentID: 7, AttemptNumber: 1, StartedAt: time.Now()})
	assert.ErrorIs(t, err, ErrOpenAttemptExists)

	// Another student is unaffected.
	_, err = s.CreateAttempt(ctx, model.NewAttempt{QuizID: quizID, StudentID: 8, AttemptNumber: 1, StartedAt: time.Now()})
	assert.NoError(t, err)
}

func TestMemoryStore_SnapshotsApplyInRevisionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, err := s.CreateAttempt(ctx, model.NewAttempt{QuizID: uuid.New(), StudentID: 1, AttemptNumber: 1, StartedAt: time.Now()})
	require.NoError(t, err)

	newer := model.AttemptSnapshot{AttemptID: a.ID, Answers: model.Answers{"q1": "B"}, Revision: 2, SavedAt: time.Now()}
	older := model.AttemptSnapshot{AttemptID: a.ID, Answers: model.Answers{"q1": "A"}, Revision: 1, SavedAt: time.Now()}
	require.NoError(t, s.SaveAttemptSnapshot(ctx, newer))

	err = s.SaveAttemptSnapshot(ctx, older)
	require.ErrorIs(t, err, ErrStaleSnapshot)
	var stale *StaleSnapshotError
	require.ErrorAs(t, err, &stale)
	assert.EqualValues(t, 2, stale.Stored)

	got, ok := s.Attempt(a.ID)
	require.True(t, ok)
	assert.Equal(t, "B", got.Answers["q1"])
	assert.EqualValues(t, 2, got.Revision)
}

func TestMemoryStore_FinalizeIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	quizID := uuid.New()
	a, err := s.CreateAttempt(ctx, model.NewAttempt{QuizID: quizID, StudentID: 1, AttemptNumber: 1, StartedAt: time.Now()})
	require.NoError(t, err)

	sub := &model.Submission{QuizID: quizID, StudentID: 1, AttemptNumber: 1, Score: 80, Passed: true}
	require.NoError(t, s.FinalizeAttempt(ctx, a.ID, sub))
	assert.NotEqual(t, uuid.Nil, sub.ID)

	again := &model.Submission{QuizID: quizID, StudentID: 1, AttemptNumber: 1}
	assert.ErrorIs(t, s.FinalizeAttempt(ctx, a.ID, again), ErrAlreadyFinalized)
	assert.Len(t, s.Submissions(1, quizID), 1)

	// Snapshots after finalize are dropped.
	require.NoError(t, s.SaveAttemptSnapshot(ctx, model.AttemptSnapshot{AttemptID: a.ID, Answers: model.Answers{"q": "x"}, Revision: 9}))
	got, _ := s.Attempt(a.ID)
	assert.Empty(t, got.Answers)

	count, maxAttempt, err := s.CountSubmissions(ctx, 1, quizID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, maxAttempt)
}

func TestMemoryStore_FailWith(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := assert.AnError
	s.FailWith(OpGetOpenAttempt, boom)

	_, err := s.GetOpenAttempt(ctx, 1, uuid.New())
	assert.ErrorIs(t, err, boom)

	s.FailWith(OpGetOpenAttempt, nil)
	a, err := s.GetOpenAttempt(ctx, 1, uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, a)
	assert.Equal(t, 2, s.Calls(OpGetOpenAttempt))
}
