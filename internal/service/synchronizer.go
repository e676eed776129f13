package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/model"
)

// ErrFinalizeInProgress is returned when another finalize holds the attempt.
var ErrFinalizeInProgress = errors.New("finalize already in progress")

// Synchronizer moves attempt state between the session, the assessment store and
// the fallback cache.
type Synchronizer struct {
	store AssessmentStore
	cache FallbackCache
	clock clockwork.Clock
	log   zerolog.Logger

	mu    sync.Mutex
	gates map[uuid.UUID]*attemptGate
}

// attemptGate orders finalize after every save already admitted for the attempt and
// refuses saves once finalize has started.
type attemptGate struct {
	mu        sync.Mutex
	inflight  sync.WaitGroup
	closed    bool
	finalized bool
}

// NewSynchronizer creates a new Synchronizer. cache may be nil.
func NewSynchronizer(store AssessmentStore, cache FallbackCache, clock clockwork.Clock, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		store: store,
		cache: cache,
		clock: clock,
		log:   log.With().Str("component", "synchronizer").Logger(),
		gates: make(map[uuid.UUID]*attemptGate),
	}
}

func (s *Synchronizer) gate(attemptID uuid.UUID) *attemptGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[attemptID]
	if !ok {
		g = &attemptGate{}
		s.gates[attemptID] = g
	}
	return g
}

// Release forgets the gate of an attempt whose session has ended.
func (s *Synchronizer) Release(attemptID uuid.UUID) {
	s.mu.Lock()
	delete(s.gates, attemptID)
	s.mu.Unlock()
}

// LoadOpenAttempt returns the resumable attempt, or nil when none is open.
func (s *Synchronizer) LoadOpenAttempt(ctx context.Context, studentID int, quizID uuid.UUID) (*model.Attempt, error) {
	a, err := s.store.GetOpenAttempt(ctx, studentID, quizID)
	if err != nil {
		return nil, fmt.Errorf("load open attempt: %w", err)
	}
	return a, nil
}

// CreateAttempt opens a fresh attempt with empty answers and the full time budget.
// If a concurrent start already opened one, that attempt is returned with
// resumed=true instead.
func (s *Synchronizer) CreateAttempt(ctx context.Context, studentID int, quizID uuid.UUID, number int, remaining *int) (a *model.Attempt, resumed bool, err error) {
	a, err = s.store.CreateAttempt(ctx, model.NewAttempt{
		QuizID:           quizID,
		StudentID:        studentID,
		AttemptNumber:    number,
		RemainingSeconds: remaining,
		StartedAt:        s.clock.Now(),
	})
	if err == nil {
		// Anything cached belongs to an older attempt.
		s.clearCache(ctx, studentID, quizID)
		return a, false, nil
	}
	if !errors.Is(err, ErrOpenAttemptExists) {
		return nil, false, fmt.Errorf("create attempt: %w", err)
	}

	existing, loadErr := s.store.GetOpenAttempt(ctx, studentID, quizID)
	if loadErr != nil {
		return nil, false, fmt.Errorf("concurrent start detected, but fetch failed: %w", loadErr)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("create attempt: %w", err)
	}
	s.log.Info().Int("student_id", studentID).Str("quiz_id", quizID.String()).
		Msg("Concurrent start detected, resuming existing attempt")
	return existing, true, nil
}

// SaveSnapshot persists a full snapshot. Overlapping calls are safe: the store keeps
// the highest revision. Saves issued after finalize began are discarded.
func (s *Synchronizer) SaveSnapshot(ctx context.Context, snap model.AttemptSnapshot) error {
	g := s.gate(snap.AttemptID)
	g.mu.Lock()
	if g.finalized {
		g.mu.Unlock()
		return ErrAlreadyFinalized
	}
	if g.closed {
		g.mu.Unlock()
		s.log.Debug().Str("attempt_id", snap.AttemptID.String()).Int64("revision", snap.Revision).
			Msg("Snapshot discarded, finalize in progress")
		return nil
	}
	g.inflight.Add(1)
	g.mu.Unlock()
	defer g.inflight.Done()

	if err := s.store.SaveAttemptSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Finalize marks the attempt submitted and stores its submission exactly once.
// In-flight saves complete before the store is touched. On failure the attempt
// accepts saves again so finalize can be retried.
func (s *Synchronizer) Finalize(ctx context.Context, a *model.Attempt, sub *model.Submission) error {
	g := s.gate(a.ID)
	g.mu.Lock()
	if g.finalized {
		g.mu.Unlock()
		return ErrAlreadyFinalized
	}
	if g.closed {
		g.mu.Unlock()
		return ErrFinalizeInProgress
	}
	g.closed = true
	g.mu.Unlock()

	g.inflight.Wait()

	err := s.store.FinalizeAttempt(ctx, a.ID, sub)

	g.mu.Lock()
	if err == nil || errors.Is(err, ErrAlreadyFinalized) {
		g.finalized = true
	} else {
		g.closed = false
	}
	g.mu.Unlock()

	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}

	s.clearCache(ctx, a.StudentID, a.QuizID)
	return nil
}

// CacheAnswer mirrors one answer change into the fallback cache. at is when the
// answer was applied; the cache keeps the latest. Failures are logged only.
func (s *Synchronizer) CacheAnswer(ctx context.Context, a *model.Attempt, questionID, answer string, at time.Time) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetAnswer(ctx, a.StudentID, a.QuizID, a.ID, questionID, answer, at); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Fallback cache write failed")
	}
}

// MergeFallback reconciles a resumed attempt with the fallback cache. The newer of
// the cached entry and the stored snapshot wins outright; ties go to the store.
// Entries written for another attempt are dropped. Afterwards the cache mirrors
// the winning state. Returns the cache's latest write time for the attempt and
// whether the cached answers were taken.
func (s *Synchronizer) MergeFallback(ctx context.Context, a *model.Attempt) (cachedAt time.Time, taken bool) {
	if s.cache == nil {
		return time.Time{}, false
	}
	entry, err := s.cache.Load(ctx, a.StudentID, a.QuizID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Fallback cache unavailable, resuming from store")
		return time.Time{}, false
	}
	if entry != nil && entry.AttemptID == a.ID {
		cachedAt = entry.SavedAt
	}

	if entry != nil && entry.AttemptID == a.ID && entry.SavedAt.After(a.LastSavedAt) {
		a.Answers = entry.Answers.Clone()
		s.log.Info().Str("attempt_id", a.ID.String()).
			Time("cache_saved_at", entry.SavedAt).
			Time("store_saved_at", a.LastSavedAt).
			Msg("Resumed answers from fallback cache")
		return cachedAt, true
	}

	err = s.cache.Replace(ctx, a.StudentID, a.QuizID, model.FallbackEntry{
		AttemptID: a.ID,
		Answers:   a.Answers.Clone(),
		SavedAt:   a.LastSavedAt,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Fallback cache refresh failed")
		return cachedAt, false
	}
	if a.LastSavedAt.After(cachedAt) {
		cachedAt = a.LastSavedAt
	}
	return cachedAt, false
}

func (s *Synchronizer) clearCache(ctx context.Context, studentID int, quizID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Clear(ctx, studentID, quizID); err != nil {
		s.log.Warn().Err(err).Int("student_id", studentID).Str("quiz_id", quizID.String()).
			Msg("Fallback cache clear failed")
	}
}
