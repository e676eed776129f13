package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stemsi/quiz-engine/internal/policy"
	"github.com/stemsi/quiz-engine/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager_SingleAttemptQuizDeniesSecondStart(t *testing.T) {
	quiz := trueFalseQuiz(nil, 1)
	h := newHarness(t, quiz)

	sess := h.start(quiz.Quiz.ID)
	_, err := sess.Submit(h.ctx)
	require.NoError(t, err)
	<-sess.Done()
	created := h.store.Calls(repository.OpCreateAttempt)

	_, err = h.mgr.Start(h.ctx, quiz.Quiz.ID)
	require.ErrorIs(t, err, ErrAttemptDenied)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, policy.ReasonSingleAttemptOnly, denied.Reason)
	assert.Equal(t, created, h.store.Calls(repository.OpCreateAttempt), "no attempt is created on denial")
}

func TestSessionManager_AttemptNumbersIncreaseWithoutGaps(t *testing.T) {
	quiz := trueFalseQuiz(nil, 1)
	quiz.Quiz.AllowMultipleAttempts = true
	quiz.Quiz.MaxAttempts = ptr(3)
	h := newHarness(t, quiz)

	for want := 1; want <= 3; want++ {
		sess := h.start(quiz.Quiz.ID)
		assert.False(t, sess.Resumed())
		res, err := sess.Submit(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, want, res.AttemptNumber)
		<-sess.Done()
	}

	_, err := h.mgr.Start(h.ctx, quiz.Quiz.ID)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, policy.ReasonMaxAttemptsReached, denied.Reason)
}

func TestSessionManager_StartReturnsLiveSession(t *testing.T) {
	quiz := trueFalseQuiz(ptr(60), 1)
	h := newHarness(t, quiz)

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.mgr.Start(h.ctx, quiz.Quiz.ID)
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, h.store.Calls(repository.OpCreateAttempt))
	assert.Equal(t, 1, h.mgr.Active())

	got, err := h.mgr.Get(h.ctx, quiz.Quiz.ID)
	require.NoError(t, err)
	assert.Same(t, sessions[0], got)
}

func TestSessionManager_ConcurrentStartsAcrossProcessesShareOneAttempt(t *testing.T) {
	quiz := trueFalseQuiz(ptr(60), 1)
	h := newHarness(t, quiz)
	other := h.newManager()
	t.Cleanup(func() { _ = other.Shutdown(context.Background()) })

	// Whichever process loses the insert race resumes the winner's attempt.
	var wg sync.WaitGroup
	var a, b *Session
	wg.Add(2)
	go func() { defer wg.Done(); a, _ = h.mgr.Start(h.ctx, quiz.Quiz.ID) }()
	go func() { defer wg.Done(); b, _ = other.Start(h.ctx, quiz.Quiz.ID) }()
	wg.Wait()

	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, a.AttemptID(), b.AttemptID())
	assert.True(t, a.Resumed() || b.Resumed())
}

func TestSessionManager_ResumeRoundTrip(t *testing.T) {
	quiz := trueFalseQuiz(ptr(600), 3)
	h := newHarness(t, quiz)
	sess := h.start(quiz.Quiz.ID)
	events, cancel := sess.Subscribe()
	defer cancel()

	require.NoError(t, sess.SetAnswer(h.ctx, quiz.Questions[0].Key(), "true"))
	require.NoError(t, sess.SetAnswer(h.ctx, quiz.Questions[2].Key(), "false"))
	h.clock.Advance(30 * time.Second)
	waitFor(t, events, EventTick)
	_, err := sess.SaveNow(h.ctx)
	require.NoError(t, err)
	saved := h.state(sess)
	sess.Close()

	resumed := h.start(quiz.Quiz.ID)
	assert.True(t, resumed.Resumed())
	assert.Equal(t, sess.AttemptID(), resumed.AttemptID())

	v := h.state(resumed)
	assert.Equal(t, saved.Answers, v.Answers)
	require.NotNil(t, v.RemainingSeconds)
	assert.Equal(t, 570, *v.RemainingSeconds)
	assert.Equal(t, "9:30", v.RemainingDisplay)
	assert.Equal(t, 1, v.AttemptNumber)
}

func TestSessionManager_FallbackCacheSuppliesUnsavedAnswer(t *testing.T) {
	quiz := trueFalseQuiz(ptr(600), 3)
	h := newHarness(t, quiz)
	sess := h.start(quiz.Quiz.ID)
	h.state(sess)

	h.clock.Advance(3 * time.Second)
	require.NoError(t, sess.SetAnswer(h.ctx, quiz.Questions[1].Key(), "true"))

	// The process dies before any save reaches the store.
	h.store.FailWith(repository.OpSaveSnapshot, errStoreDown)
	sess.Close()
	h.store.FailWith(repository.OpSaveSnapshot, nil)

	stored, _ := h.store.Attempt(sess.AttemptID())
	assert.Empty(t, stored.Answers)

	resumed := h.start(quiz.Quiz.ID)
	v := h.state(resumed)
	assert.Equal(t, model.Answers{quiz.Questions[1].Key(): "true"}, v.Answers)
}

func TestSessionManager_NewerStoreSnapshotBeatsFallbackCache(t *testing.T) {
	quiz := trueFalseQuiz(ptr(600), 3)
	h := newHarness(t, quiz)
	sess := h.start(quiz.Quiz.ID)
	h.state(sess)
	q0, q1 := quiz.Questions[0].Key(), quiz.Questions[1].Key()

	h.clock.Advance(time.Second)
	require.NoError(t, sess.SetAnswer(h.ctx, q0, "true"))
	h.store.FailWith(repository.OpSaveSnapshot, errStoreDown)
	sess.Close()
	h.store.FailWith(repository.OpSaveSnapshot, nil)

	// Another device saved later.
	h.clock.Advance(time.Minute)
	require.NoError(t, h.store.SaveAttemptSnapshot(h.ctx, model.AttemptSnapshot{
		AttemptID:        sess.AttemptID(),
		Answers:          model.Answers{q0: "false", q1: "true"},
		RemainingSeconds: ptr(400),
		Revision:         50,
		SavedAt:          h.clock.Now(),
	}))

	resumed := h.start(quiz.Quiz.ID)
	v := h.state(resumed)
	assert.Equal(t, model.Answers{q0: "false", q1: "true"}, v.Answers)
	assert.Equal(t, 400, *v.RemainingSeconds)

	entry, err := h.cache.Load(h.ctx, 7, quiz.Quiz.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, v.Answers, entry.Answers, "cache now mirrors the store")
}

func TestSessionManager_StartErrors(t *testing.T) {
	inactive := trueFalseQuiz(nil, 1)
	inactive.Quiz.IsActive = false
	h := newHarness(t, inactive)

	_, err := h.mgr.Start(h.ctx, inactive.Quiz.ID)
	assert.ErrorIs(t, err, ErrQuizInactive)

	_, err = h.mgr.Start(h.ctx, uuid.New())
	assert.ErrorIs(t, err, ErrQuizNotFound)

	_, err = h.mgr.Start(context.Background(), inactive.Quiz.ID)
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = h.mgr.Get(h.ctx, inactive.Quiz.ID)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	h.store.FailWith(repository.OpCount, errStoreDown)
	active := trueFalseQuiz(nil, 1)
	h.store.PutQuiz(active)
	_, err = h.mgr.Start(h.ctx, active.Quiz.ID)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestSessionManager_ShutdownClosesSessions(t *testing.T) {
	quiz := trueFalseQuiz(ptr(60), 1)
	h := newHarness(t, quiz)
	sess := h.start(quiz.Quiz.ID)

	require.NoError(t, h.mgr.Shutdown(context.Background()))
	<-sess.Done()
	assert.Equal(t, 0, h.mgr.Active())

	_, err := h.mgr.Start(h.ctx, quiz.Quiz.ID)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionManager_FinalizePending(t *testing.T) {
	quiz := trueFalseQuiz(ptr(10), 1)
	h := newHarness(t, quiz)
	sess := h.start(quiz.Quiz.ID)
	events, cancel := sess.Subscribe()
	defer cancel()
	h.state(sess)

	h.store.FailWith(repository.OpFinalize, errStoreDown)
	h.clock.Advance(10 * time.Second)
	waitFor(t, events, EventSubmitFailed)
	sess.Close()
	h.store.FailWith(repository.OpFinalize, nil)

	items := h.queue.Items()
	require.Len(t, items, 1)
	require.NoError(t, h.mgr.FinalizePending(h.ctx, items[0]))
	assert.Equal(t, 0, h.mgr.sync.gateCount())
	assert.ErrorIs(t, h.mgr.FinalizePending(h.ctx, items[0]), ErrAlreadyFinalized)
	assert.Equal(t, 0, h.mgr.sync.gateCount())
	assert.Len(t, h.store.Submissions(7, quiz.Quiz.ID), 1)
}

func TestSessionManager_FinalizePendingLeavesLiveGate(t *testing.T) {
	quiz := trueFalseQuiz(ptr(60), 1)
	h := newHarness(t, quiz)
	sess := h.start(quiz.Quiz.ID)
	h.state(sess)

	// A queued finalize for another attempt of the same quiz releases its own gate.
	err := h.mgr.FinalizePending(h.ctx, model.PendingFinalize{
		AttemptID:  uuid.New(),
		Submission: model.Submission{QuizID: quiz.Quiz.ID, StudentID: 7, AttemptNumber: 1},
	})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, 0, h.mgr.sync.gateCount())

	// A queued finalize for the live attempt leaves the gate to the session.
	err = h.mgr.FinalizePending(h.ctx, model.PendingFinalize{
		AttemptID:  sess.AttemptID(),
		Submission: model.Submission{QuizID: quiz.Quiz.ID, StudentID: 7, AttemptNumber: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.mgr.sync.gateCount())
	_, err = sess.SaveNow(h.ctx)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestSessionManager_History(t *testing.T) {
	quiz := trueFalseQuiz(nil, 2)
	quiz.Quiz.AllowMultipleAttempts = true
	quiz.Quiz.MaxAttempts = ptr(5)
	h := newHarness(t, quiz)

	subs, err := h.mgr.History(h.ctx, quiz.Quiz.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	for i := 0; i < 2; i++ {
		sess := h.start(quiz.Quiz.ID)
		if i == 1 {
			require.NoError(t, sess.SetAnswer(h.ctx, quiz.Questions[0].Key(), "true"))
		}
		_, err := sess.Submit(h.ctx)
		require.NoError(t, err)
		<-sess.Done()
	}

	subs, err = h.mgr.History(h.ctx, quiz.Quiz.ID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, 2, subs[0].AttemptNumber)
	assert.Equal(t, 50, subs[0].Score)
	assert.Equal(t, 0, subs[1].Score)
}
