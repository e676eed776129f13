package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stemsi/quiz-engine/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSynchronizer(t *testing.T) (*Synchronizer, *repository.MemoryStore, clockwork.FakeClock, *model.Attempt) {
	t.Helper()
	_, rdb := newTestRedis(t)
	store := repository.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	s := NewSynchronizer(store, NewRedisFallbackCache(rdb, time.Hour), clock, zerolog.Nop())

	a, resumed, err := s.CreateAttempt(context.Background(), 3, uuid.New(), 1, ptr(300))
	require.NoError(t, err)
	require.False(t, resumed)
	return s, store, clock, a
}

func submissionFor(a *model.Attempt) *model.Submission {
	return &model.Submission{
		QuizID:        a.QuizID,
		StudentID:     a.StudentID,
		AttemptNumber: a.AttemptNumber,
		Answers:       model.Answers{},
	}
}

func TestSynchronizer_CreateAttemptResumesExisting(t *testing.T) {
	s, store, _, a := newTestSynchronizer(t)
	ctx := context.Background()

	again, resumed, err := s.CreateAttempt(ctx, a.StudentID, a.QuizID, 1, ptr(300))
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, 2, store.Calls(repository.OpCreateAttempt))
}

func TestSynchronizer_FinalizeClosesGate(t *testing.T) {
	s, store, clock, a := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, model.AttemptSnapshot{
		AttemptID: a.ID,
		Answers:   model.Answers{"q1": "A"},
		Revision:  1,
		SavedAt:   clock.Now(),
	}))
	require.NoError(t, s.Finalize(ctx, a, submissionFor(a)))

	err := s.SaveSnapshot(ctx, model.AttemptSnapshot{AttemptID: a.ID, Revision: 2, SavedAt: clock.Now()})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.ErrorIs(t, s.Finalize(ctx, a, submissionFor(a)), ErrAlreadyFinalized)

	stored, _ := store.Attempt(a.ID)
	assert.True(t, stored.Submitted)
	assert.Equal(t, int64(1), stored.Revision)
	assert.Len(t, store.Submissions(a.StudentID, a.QuizID), 1)
}

func TestSynchronizer_FailedFinalizeReopensGate(t *testing.T) {
	s, store, clock, a := newTestSynchronizer(t)
	ctx := context.Background()

	store.FailWith(repository.OpFinalize, errStoreDown)
	err := s.Finalize(ctx, a, submissionFor(a))
	require.ErrorIs(t, err, errStoreDown)

	require.NoError(t, s.SaveSnapshot(ctx, model.AttemptSnapshot{
		AttemptID: a.ID,
		Answers:   model.Answers{"q1": "B"},
		Revision:  1,
		SavedAt:   clock.Now(),
	}))
	stored, _ := store.Attempt(a.ID)
	assert.Equal(t, model.Answers{"q1": "B"}, stored.Answers)

	store.FailWith(repository.OpFinalize, nil)
	require.NoError(t, s.Finalize(ctx, a, submissionFor(a)))
}

func TestSynchronizer_FinalizeOnAnotherProcess(t *testing.T) {
	s, store, _, a := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.FinalizeAttempt(ctx, a.ID, submissionFor(a)))
	assert.ErrorIs(t, s.Finalize(ctx, a, submissionFor(a)), ErrAlreadyFinalized)
}

func TestSynchronizer_MergeFallbackIgnoresOtherAttempt(t *testing.T) {
	s, _, clock, a := newTestSynchronizer(t)
	ctx := context.Background()

	stale := &model.Attempt{ID: uuid.New(), QuizID: a.QuizID, StudentID: a.StudentID}
	clock.Advance(time.Minute)
	s.CacheAnswer(ctx, stale, "q1", "C", clock.Now())

	resumed := *a
	_, taken := s.MergeFallback(ctx, &resumed)
	assert.False(t, taken)
	assert.Empty(t, resumed.Answers)

	entry, err := s.cache.Load(ctx, a.StudentID, a.QuizID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, a.ID, entry.AttemptID)
}

func TestSynchronizer_FinalizeClearsFallbackCache(t *testing.T) {
	s, _, _, a := newTestSynchronizer(t)
	ctx := context.Background()

	s.CacheAnswer(ctx, a, "q1", "A", time.Now())
	require.NoError(t, s.Finalize(ctx, a, submissionFor(a)))

	entry, err := s.cache.Load(ctx, a.StudentID, a.QuizID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}
