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
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/metrics"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stemsi/quiz-engine/internal/policy"
	"golang.org/x/sync/singleflight"
)

// SessionManagerDeps are the collaborators of a SessionManager. Cache and Queue
// may be nil.
type SessionManagerDeps struct {
	Store       AssessmentStore
	Definitions DefinitionSource
	Identity    IdentitySource
	Cache       FallbackCache
	Queue       FinalizeQueue
	Clock       clockwork.Clock
	Log         zerolog.Logger
}

type sessionKey struct {
	studentID int
	quizID    uuid.UUID
}

func (k sessionKey) String() string {
	return fmt.Sprintf("%d:%s", k.studentID, k.quizID)
}

// SessionManager starts sessions and keeps at most one live session per student
// and quiz in this process.
type SessionManager struct {
	store    AssessmentStore
	defs     DefinitionSource
	identity IdentitySource
	queue    FinalizeQueue
	sync     *Synchronizer
	clock    clockwork.Clock
	cfg      config.QuizConfig
	log      zerolog.Logger

	starts   singleflight.Group
	mu       sync.Mutex
	sessions map[sessionKey]*Session
	closed   bool
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(deps SessionManagerDeps, cfg config.QuizConfig) *SessionManager {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Identity == nil {
		deps.Identity = ContextIdentity{}
	}
	cfg = withDefaults(cfg)
	log := deps.Log.With().Str("component", "session_manager").Logger()

	return &SessionManager{
		store:    deps.Store,
		defs:     deps.Definitions,
		identity: deps.Identity,
		queue:    deps.Queue,
		sync:     NewSynchronizer(deps.Store, deps.Cache, deps.Clock, deps.Log),
		clock:    deps.Clock,
		cfg:      cfg,
		log:      log,
		sessions: make(map[sessionKey]*Session),
	}
}

func withDefaults(cfg config.QuizConfig) config.QuizConfig {
	def := config.DefaultQuizConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.AutosaveInterval <= 0 {
		cfg.AutosaveInterval = def.AutosaveInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.FinalizeRetryBase <= 0 {
		cfg.FinalizeRetryBase = def.FinalizeRetryBase
	}
	if cfg.FinalizeRetryMax < cfg.FinalizeRetryBase {
		cfg.FinalizeRetryMax = def.FinalizeRetryMax
	}
	return cfg
}

// Start moves the current student's attempt of quizID from NotStarted to InProgress.
// It consults the attempt-limit policy, then resumes the open attempt if there is
// one or creates a fresh attempt otherwise. A student with a live session for the
// quiz gets that session back.
func (m *SessionManager) Start(ctx context.Context, quizID uuid.UUID) (*Session, error) {
	studentID, err := m.identity.StudentID(ctx)
	if err != nil {
		return nil, err
	}
	key := sessionKey{studentID: studentID, quizID: quizID}
	if s := m.lookup(key); s != nil {
		return s, nil
	}

	// Concurrent starts for one key share a single store round trip.
	v, err, _ := m.starts.Do(key.String(), func() (any, error) {
		if s := m.lookup(key); s != nil {
			return s, nil
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*m.cfg.StoreTimeout)
		defer cancel()
		return m.start(sctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *SessionManager) start(ctx context.Context, key sessionKey) (*Session, error) {
	log := m.log.With().Int("student_id", key.studentID).Str("quiz_id", key.quizID.String()).Logger()

	quiz, err := m.defs.GetQuiz(ctx, key.quizID)
	if err != nil {
		metrics.SessionStarts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("get quiz: %w", err)
	}
	if !quiz.IsActive {
		metrics.SessionStarts.WithLabelValues("denied").Inc()
		return nil, ErrQuizInactive
	}
	questions, err := m.defs.GetQuestions(ctx, key.quizID)
	if err != nil {
		metrics.SessionStarts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("get questions: %w", err)
	}

	count, maxAttempt, err := m.store.CountSubmissions(ctx, key.studentID, key.quizID)
	if err != nil {
		metrics.SessionStarts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	decision := policy.Evaluate(quiz, policy.History{
		StudentID:        key.studentID,
		Submissions:      count,
		MaxAttemptNumber: maxAttempt,
	})
	if !decision.Allowed {
		metrics.SessionStarts.WithLabelValues("denied").Inc()
		log.Info().Str("reason", string(decision.Reason)).Msg("Start denied by attempt policy")
		return nil, &DeniedError{Reason: decision.Reason, Message: decision.Message}
	}

	attempt, err := m.sync.LoadOpenAttempt(ctx, key.studentID, key.quizID)
	if err != nil {
		metrics.SessionStarts.WithLabelValues("error").Inc()
		return nil, err
	}
	resumed := attempt != nil
	if !resumed {
		attempt, resumed, err = m.sync.CreateAttempt(ctx, key.studentID, key.quizID, decision.NextAttemptNumber, quiz.InitialRemaining())
		if err != nil {
			metrics.SessionStarts.WithLabelValues("error").Inc()
			return nil, err
		}
	}
	var cachedAt time.Time
	if resumed {
		cachedAt, _ = m.sync.MergeFallback(ctx, attempt)
	}

	s := newSession(sessionParams{
		attempt:   attempt,
		quiz:      *quiz,
		questions: questions,
		resumed:   resumed,
		cachedAt:  cachedAt,
		sync:      m.sync,
		queue:     m.queue,
		clock:     m.clock,
		cfg:       m.cfg,
		log:       m.log,
		onExit:    m.remove,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	m.sessions[key] = s
	m.mu.Unlock()

	outcome := "fresh"
	if resumed {
		outcome = "resumed"
	}
	metrics.SessionStarts.WithLabelValues(outcome).Inc()
	metrics.ActiveSessions.Inc()

	s.start()
	log.Info().
		Str("attempt_id", attempt.ID.String()).
		Int("attempt_number", attempt.AttemptNumber).
		Bool("resumed", resumed).
		Msg("Session started")
	return s, nil
}

// Get returns the current student's live session for quizID.
func (m *SessionManager) Get(ctx context.Context, quizID uuid.UUID) (*Session, error) {
	studentID, err := m.identity.StudentID(ctx)
	if err != nil {
		return nil, err
	}
	if s := m.lookup(sessionKey{studentID: studentID, quizID: quizID}); s != nil {
		return s, nil
	}
	return nil, ErrNoActiveSession
}

// History lists the current student's finalized submissions for quizID, newest first.
func (m *SessionManager) History(ctx context.Context, quizID uuid.UUID) ([]model.Submission, error) {
	studentID, err := m.identity.StudentID(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := m.store.ListByStudent(ctx, studentID, quizID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	return subs, nil
}

// Active returns the number of registered sessions.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) lookup(key sessionKey) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok || s.Finished() {
		return nil
	}
	return s
}

func (m *SessionManager) remove(s *Session) {
	key := sessionKey{studentID: s.StudentID(), quizID: s.QuizID()}
	m.mu.Lock()
	if cur, ok := m.sessions[key]; ok && cur == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	metrics.ActiveSessions.Dec()
}

// Shutdown tears down every live session without submitting and refuses new starts.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info().Int("count", len(live)).Msg("All sessions closed")
		return nil
	case <-ctx.Done():
		return errors.New("timed out waiting for sessions to close")
	}
}

// FinalizePending completes a finalize handed off by a torn-down session. Used by
// the retry worker.
func (m *SessionManager) FinalizePending(ctx context.Context, p model.PendingFinalize) error {
	sub := p.Submission
	header := &model.Attempt{ID: p.AttemptID, QuizID: sub.QuizID, StudentID: sub.StudentID}
	err := m.sync.Finalize(ctx, header, &sub)
	metrics.Finalizations.WithLabelValues("worker", metrics.Result(err)).Inc()

	// A live session still owns the gate and releases it on teardown.
	m.mu.Lock()
	cur, live := m.sessions[sessionKey{studentID: sub.StudentID, quizID: sub.QuizID}]
	owned := live && cur.AttemptID() == p.AttemptID
	m.mu.Unlock()
	if !owned {
		m.sync.Release(p.AttemptID)
	}
	return err
}
