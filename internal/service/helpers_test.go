package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stemsi/quiz-engine/internal/repository"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

var testQuizConfig = config.QuizConfig{
	TickInterval:      time.Second,
	AutosaveInterval:  10 * time.Second,
	StoreTimeout:      2 * time.Second,
	FinalizeRetryBase: time.Second,
	FinalizeRetryMax:  4 * time.Second,
}

type memQueue struct {
	mu    sync.Mutex
	items []model.PendingFinalize
}

func (q *memQueue) Enqueue(_ context.Context, p model.PendingFinalize) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, p)
	return nil
}

func (q *memQueue) Items() []model.PendingFinalize {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.PendingFinalize(nil), q.items...)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock clockwork.FakeClock
	store *repository.MemoryStore
	cache FallbackCache
	queue *memQueue
	mgr   *SessionManager
}

// newHarness wires a manager over an in-memory store and a miniredis-backed
// fallback cache for student 7.
func newHarness(t *testing.T, quizzes ...model.QuizPayload) *harness {
	t.Helper()
	_, rdb := newTestRedis(t)

	h := &harness{
		t:     t,
		ctx:   WithStudentID(context.Background(), 7),
		clock: clockwork.NewFakeClock(),
		store: repository.NewMemoryStore(),
		cache: NewRedisFallbackCache(rdb, time.Hour),
		queue: &memQueue{},
	}
	for _, q := range quizzes {
		h.store.PutQuiz(q)
	}
	h.mgr = h.newManager()
	t.Cleanup(func() { _ = h.mgr.Shutdown(context.Background()) })
	return h
}

// newManager builds another manager over the same store, as a second process would.
func (h *harness) newManager() *SessionManager {
	return NewSessionManager(SessionManagerDeps{
		Store:       h.store,
		Definitions: h.store,
		Cache:       h.cache,
		Queue:       h.queue,
		Clock:       h.clock,
		Log:         zerolog.Nop(),
	}, testQuizConfig)
}

func (h *harness) start(quizID uuid.UUID) *Session {
	h.t.Helper()
	s, err := h.mgr.Start(h.ctx, quizID)
	require.NoError(h.t, err)
	return s
}

func (h *harness) state(s *Session) View {
	h.t.Helper()
	v, err := s.State(h.ctx)
	require.NoError(h.t, err)
	return v
}

func waitFor(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed before %q", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

// waitForAll consumes events until every wanted type has been seen, in any order.
func waitForAll(t *testing.T, events <-chan Event, want ...EventType) {
	t.Helper()
	pending := make(map[EventType]bool, len(want))
	for _, w := range want {
		pending[w] = true
	}
	deadline := time.After(2 * time.Second)
	for len(pending) > 0 {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed, still waiting for %v", pending)
			}
			delete(pending, ev.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for %v", pending)
		}
	}
}

func question(quizID uuid.UUID, order int, typ model.QuestionType, correct string, points int) model.Question {
	q := model.Question{
		ID:            uuid.New(),
		QuizID:        quizID,
		QuestionText:  "question",
		QuestionType:  typ,
		CorrectAnswer: correct,
		Points:        points,
		OrderIndex:    order,
	}
	if typ == model.QuestionTypeMultipleChoice {
		q.Options = []string{"A", "B", "C", "D"}
	}
	return q
}

// trueFalseQuiz has n one-point questions whose correct answer is "true".
func trueFalseQuiz(limitSeconds *int, n int) model.QuizPayload {
	id := uuid.New()
	p := model.QuizPayload{Quiz: model.QuizDefinition{
		ID:               id,
		Title:            "True or false",
		TimeLimitSeconds: limitSeconds,
		PassingScore:     70,
		IsActive:         true,
	}}
	for i := 0; i < n; i++ {
		p.Questions = append(p.Questions, question(id, i+1, model.QuestionTypeTrueFalse, "true", 1))
	}
	return p
}

func ptr(v int) *int { return &v }

func (s *Synchronizer) gateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gates)
}

// stallingStore holds the first snapshot write until release is closed.
type stallingStore struct {
	*repository.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingStore(mem *repository.MemoryStore) *stallingStore {
	return &stallingStore{MemoryStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *stallingStore) SaveAttemptSnapshot(ctx context.Context, snap model.AttemptSnapshot) error {
	stall := false
	s.once.Do(func() { stall = true })
	if stall {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.SaveAttemptSnapshot(ctx, snap)
}
