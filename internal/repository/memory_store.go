package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/quiz-engine/internal/model"
)

// StoreOp names a MemoryStore operation for failure injection and call counting.
type StoreOp string

const (
	OpGetOpenAttempt StoreOp = "get_open_attempt"
	OpCreateAttempt  StoreOp = "create_attempt"
	OpSaveSnapshot   StoreOp = "save_snapshot"
	OpCount          StoreOp = "count_submissions"
	OpFinalize       StoreOp = "finalize"
	OpGetQuiz        StoreOp = "get_quiz"
)

// MemoryStore keeps quizzes, attempts and submissions in process memory. It honours
// the same constraints as the PostgreSQL schema: one open attempt per student and
// quiz, one submission per attempt number, revision-ordered snapshots.
type MemoryStore struct {
	mu          sync.Mutex
	quizzes     map[uuid.UUID]model.QuizPayload
	attempts    map[uuid.UUID]*model.Attempt
	submissions []model.Submission

	failures map[StoreOp]error
	calls    map[StoreOp]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quizzes:  make(map[uuid.UUID]model.QuizPayload),
		attempts: make(map[uuid.UUID]*model.Attempt),
		failures: make(map[StoreOp]error),
		calls:    make(map[StoreOp]int),
	}
}

// PutQuiz adds or replaces a quiz definition with its questions.
func (m *MemoryStore) PutQuiz(p model.QuizPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := append([]model.Question(nil), p.Questions...)
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].OrderIndex < qs[j].OrderIndex })
	p.Questions = qs
	m.quizzes[p.Quiz.ID] = p
}

// FailWith makes every call of op return err until cleared with a nil err.
func (m *MemoryStore) FailWith(op StoreOp, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *MemoryStore) Calls(op StoreOp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Attempt returns a copy of a stored attempt.
func (m *MemoryStore) Attempt(id uuid.UUID) (model.Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return model.Attempt{}, false
	}
	return copyAttempt(a), true
}

// Submissions returns copies of a student's submissions for a quiz in insert order.
func (m *MemoryStore) Submissions(studentID int, quizID uuid.UUID) []model.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Submission
	for _, s := range m.submissions {
		if s.StudentID == studentID && s.QuizID == quizID {
			s.Answers = s.Answers.Clone()
			out = append(out, s)
		}
	}
	return out
}

// ListByStudent returns a student's submissions for a quiz, newest attempt first.
func (m *MemoryStore) ListByStudent(_ context.Context, studentID int, quizID uuid.UUID) ([]model.Submission, error) {
	subs := m.Submissions(studentID, quizID)
	sort.Slice(subs, func(i, j int) bool { return subs[i].AttemptNumber > subs[j].AttemptNumber })
	return subs, nil
}

func (m *MemoryStore) enter(op StoreOp) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *MemoryStore) GetQuiz(_ context.Context, quizID uuid.UUID) (*model.QuizDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetQuiz); err != nil {
		return nil, err
	}
	p, ok := m.quizzes[quizID]
	if !ok {
		return nil, ErrQuizNotFound
	}
	q := p.Quiz
	return &q, nil
}

func (m *MemoryStore) GetQuestions(_ context.Context, quizID uuid.UUID) ([]model.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.quizzes[quizID]
	if !ok {
		return nil, ErrQuizNotFound
	}
	return append([]model.Question(nil), p.Questions...), nil
}

func (m *MemoryStore) GetOpenAttempt(_ context.Context, studentID int, quizID uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetOpenAttempt); err != nil {
		return nil, err
	}
	if a := m.openAttempt(studentID, quizID); a != nil {
		cp := copyAttempt(a)
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) CreateAttempt(_ context.Context, in model.NewAttempt) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateAttempt); err != nil {
		return nil, err
	}
	if m.openAttempt(in.StudentID, in.QuizID) != nil {
		return nil, ErrOpenAttemptExists
	}
	a := &model.Attempt{
		ID:            uuid.New(),
		QuizID:        in.QuizID,
		StudentID:     in.StudentID,
		AttemptNumber: in.AttemptNumber,
		Answers:       model.Answers{},
		StartedAt:     in.StartedAt,
		LastSavedAt:   in.StartedAt,
	}
	if in.RemainingSeconds != nil {
		v := *in.RemainingSeconds
		a.RemainingSeconds = &v
	}
	m.attempts[a.ID] = a
	cp := copyAttempt(a)
	return &cp, nil
}

func (m *MemoryStore) SaveAttemptSnapshot(_ context.Context, snap model.AttemptSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSaveSnapshot); err != nil {
		return err
	}
	a, ok := m.attempts[snap.AttemptID]
	if !ok || a.Submitted {
		return nil
	}
	if snap.Revision <= a.Revision {
		return &StaleSnapshotError{Stored: a.Revision}
	}
	a.Answers = snap.Answers.Clone()
	a.RemainingSeconds = nil
	if snap.RemainingSeconds != nil {
		v := *snap.RemainingSeconds
		a.RemainingSeconds = &v
	}
	a.Revision = snap.Revision
	a.LastSavedAt = snap.SavedAt
	return nil
}

func (m *MemoryStore) MarkAttemptSubmitted(_ context.Context, attemptID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markSubmitted(attemptID)
}

func (m *MemoryStore) InsertSubmission(_ context.Context, s *model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSubmission(s)
}

func (m *MemoryStore) CountSubmissions(_ context.Context, studentID int, quizID uuid.UUID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCount); err != nil {
		return 0, 0, err
	}
	count, maxAttempt := 0, 0
	for _, s := range m.submissions {
		if s.StudentID != studentID || s.QuizID != quizID {
			continue
		}
		count++
		if s.AttemptNumber > maxAttempt {
			maxAttempt = s.AttemptNumber
		}
	}
	return count, maxAttempt, nil
}

// FinalizeAttempt applies both writes or neither.
func (m *MemoryStore) FinalizeAttempt(_ context.Context, attemptID uuid.UUID, sub *model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpFinalize); err != nil {
		return err
	}
	a, ok := m.attempts[attemptID]
	if !ok || a.Submitted || m.hasSubmission(sub) {
		return ErrAlreadyFinalized
	}
	if err := m.insertSubmission(sub); err != nil {
		return err
	}
	a.Submitted = true
	return nil
}

func (m *MemoryStore) markSubmitted(attemptID uuid.UUID) error {
	a, ok := m.attempts[attemptID]
	if !ok || a.Submitted {
		return ErrAlreadyFinalized
	}
	a.Submitted = true
	return nil
}

func (m *MemoryStore) insertSubmission(s *model.Submission) error {
	if m.hasSubmission(s) {
		return ErrAlreadyFinalized
	}
	s.ID = uuid.New()
	cp := *s
	cp.Answers = s.Answers.Clone()
	m.submissions = append(m.submissions, cp)
	return nil
}

func (m *MemoryStore) hasSubmission(s *model.Submission) bool {
	for _, e := range m.submissions {
		if e.QuizID == s.QuizID && e.StudentID == s.StudentID && e.AttemptNumber == s.AttemptNumber {
			return true
		}
	}
	return false
}

func (m *MemoryStore) openAttempt(studentID int, quizID uuid.UUID) *model.Attempt {
	for _, a := range m.attempts {
		if a.StudentID == studentID && a.QuizID == quizID && !a.Submitted {
			return a
		}
	}
	return nil
}

func copyAttempt(a *model.Attempt) model.Attempt {
	cp := *a
	cp.Answers = a.Answers.Clone()
	if a.RemainingSeconds != nil {
		v := *a.RemainingSeconds
		cp.RemainingSeconds = &v
	}
	return cp
}
