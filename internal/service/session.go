package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/metrics"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stemsi/quiz-engine/internal/scoring"
	"github.com/stemsi/quiz-engine/internal/timer"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSubmitted  Status = "SUBMITTED"
)

// Metric label values for what caused a save or finalize.
const (
	triggerManual   = "manual"
	triggerAuto     = "auto"
	triggerCadence  = "cadence"
	triggerTeardown = "teardown"
)

// Result is reported once an attempt has been finalized.
type Result struct {
	SubmissionID   uuid.UUID `json:"submission_id"`
	Score          int       `json:"score"`
	Passed         bool      `json:"passed"`
	EarnedPoints   int       `json:"earned_points"`
	TotalPoints    int       `json:"total_points"`
	ElapsedSeconds int       `json:"time_spent_seconds"`
	AttemptNumber  int       `json:"attempt_number"`
	AutoSubmitted  bool      `json:"auto_submitted"`
	CompletedAt    time.Time `json:"completed_at"`
}

// View is a read-only copy of session state.
type View struct {
	AttemptID        uuid.UUID     `json:"attempt_id"`
	QuizID           uuid.UUID     `json:"quiz_id"`
	QuizTitle        string        `json:"quiz_title"`
	AttemptNumber    int           `json:"attempt_number"`
	Status           Status        `json:"status"`
	Answers          model.Answers `json:"answers"`
	AnsweredCount    int           `json:"answered_count"`
	TotalQuestions   int           `json:"total_questions"`
	RemainingSeconds *int          `json:"remaining_seconds"`
	RemainingDisplay string        `json:"remaining_display"`
	StartedAt        time.Time     `json:"started_at"`
	LastSavedAt      time.Time     `json:"last_saved_at"`
	Revision         int64         `json:"revision"`
	Resumed          bool          `json:"resumed"`
	Result           *Result       `json:"result,omitempty"`
}

type submitOutcome struct {
	result *Result
	err    error
}

type sessionParams struct {
	attempt   *model.Attempt
	quiz      model.QuizDefinition
	questions []model.Question
	resumed   bool
	cachedAt  time.Time
	sync      *Synchronizer
	queue     FinalizeQueue
	clock     clockwork.Clock
	cfg       config.QuizConfig
	log       zerolog.Logger
	onExit    func(*Session)
}

// Session is one in-progress attempt. A single goroutine owns all mutable state;
// public methods hand work to it over cmds and wait for the reply.
type Session struct {
	attemptID     uuid.UUID
	quizID        uuid.UUID
	studentID     int
	attemptNumber int
	quiz          model.QuizDefinition
	questions     []model.Question
	known         map[string]struct{}
	resumed       bool

	sync  *Synchronizer
	queue FinalizeQueue
	clock clockwork.Clock
	cfg   config.QuizConfig
	log   zerolog.Logger

	// Owned by the run loop.
	attempt     *model.Attempt
	countdown   *timer.Countdown
	status      Status
	revision    int64
	savedRev    int64
	dirty       bool
	finalizing  bool
	autoPending bool
	closing     bool
	exit        bool
	retry       clockwork.Timer
	backoff     time.Duration
	waiters     []chan submitOutcome
	result      *Result
	expiredAt   time.Time
	cacheAt     time.Time

	// Snapshot writes running off the loop. Add is only called on the loop.
	saves sync.WaitGroup

	cmds     chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	events   *broadcaster
	onExit   func(*Session)

	finished atomic.Bool
	final    atomic.Pointer[View]
}

func newSession(p sessionParams) *Session {
	a := p.attempt
	if a.Answers == nil {
		a.Answers = model.Answers{}
	}
	remaining := a.RemainingSeconds
	if remaining == nil && p.quiz.Timed() {
		remaining = p.quiz.InitialRemaining()
	}

	known := make(map[string]struct{}, len(p.questions))
	for i := range p.questions {
		known[p.questions[i].Key()] = struct{}{}
	}

	backoff := p.cfg.FinalizeRetryBase
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Session{
		attemptID:     a.ID,
		quizID:        a.QuizID,
		studentID:     a.StudentID,
		attemptNumber: a.AttemptNumber,
		quiz:          p.quiz,
		questions:     p.questions,
		known:         known,
		resumed:       p.resumed,
		sync:          p.sync,
		queue:         p.queue,
		clock:         p.clock,
		cfg:           p.cfg,
		log: p.log.With().
			Str("attempt_id", a.ID.String()).
			Str("quiz_id", a.QuizID.String()).
			Int("student_id", a.StudentID).
			Logger(),
		attempt: a,
		countdown: timer.New(p.clock, remaining, timer.Options{
			TickInterval:     p.cfg.TickInterval,
			AutosaveInterval: p.cfg.AutosaveInterval,
		}),
		status:   StatusInProgress,
		revision: a.Revision,
		savedRev: a.Revision,
		cacheAt:  p.cachedAt,
		backoff:  backoff,
		cmds:     make(chan func()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		events:   newBroadcaster(),
		onExit:   p.onExit,
	}
}

func (s *Session) start() {
	go s.run()
}

func (s *Session) AttemptID() uuid.UUID { return s.attemptID }
func (s *Session) QuizID() uuid.UUID { return s.quizID }
func (s *Session) StudentID() int { return s.studentID }
func (s *Session) Resumed() bool { return s.resumed }

// Quiz returns the definition the session was started with.
func (s *Session) Quiz() model.QuizDefinition { return s.quiz }

// Questions returns the ordered questions without their correct answers.
func (s *Session) Questions() []model.QuestionForStudent {
	out := make([]model.QuestionForStudent, len(s.questions))
	for i := range s.questions {
		out[i] = s.questions[i].StudentView()
	}
	return out
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Finished reports whether the session accepts no more work.
func (s *Session) Finished() bool { return s.finished.Load() }

// Subscribe returns a stream of session events and a cancel func. The channel is
// closed when the session ends.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// SetAnswer records an answer in memory and mirrors it to the fallback cache. A
// blank answer clears the question. Nothing is written to the store here.
func (s *Session) SetAnswer(ctx context.Context, questionID, answer string) error {
	var (
		err error
		at  time.Time
	)
	if sendErr := s.send(ctx, func() {
		if err = s.writable(); err != nil {
			return
		}
		if _, ok := s.known[questionID]; !ok {
			err = ErrUnknownQuestion
			return
		}
		if strings.TrimSpace(answer) == "" {
			delete(s.attempt.Answers, questionID)
		} else {
			s.attempt.Answers[questionID] = answer
		}
		s.dirty = true
		at = s.cacheStamp()
	}); sendErr != nil {
		return s.closedErr(sendErr)
	}
	if err != nil {
		return err
	}

	s.sync.CacheAnswer(ctx, s.header(), questionID, answer, at)
	return nil
}

// SaveNow persists a snapshot immediately and returns its revision. A snapshot
// outranked by a foreign write is retried once above the stored revision.
func (s *Session) SaveNow(ctx context.Context) (int64, error) {
	for try := 0; ; try++ {
		rev, err := s.saveOnce(ctx)
		if try == 0 && errors.Is(err, ErrStaleSnapshot) {
			continue
		}
		return rev, err
	}
}

func (s *Session) saveOnce(ctx context.Context) (int64, error) {
	var snap model.AttemptSnapshot
	var err error
	if sendErr := s.send(ctx, func() {
		switch {
		case s.status == StatusSubmitted:
			err = ErrAlreadySubmitted
		case s.finalizing:
			err = ErrFinalizeInProgress
		default:
			snap = s.snapshot()
			s.saves.Add(1)
		}
	}); sendErr != nil {
		return 0, s.closedErr(sendErr)
	}
	if err != nil {
		return 0, err
	}

	err = s.persist(ctx, snap)
	metrics.Autosaves.WithLabelValues(triggerManual, metrics.Result(err)).Inc()

	// The outcome is applied even if the caller has gone away.
	if sendErr := s.send(context.WithoutCancel(ctx), func() { err = s.saveDone(snap, err) }); sendErr != nil && err == nil {
		return snap.Revision, nil
	}
	if err != nil {
		return 0, err
	}
	return snap.Revision, nil
}

// persist writes one snapshot taken on the loop. The loop must have called
// saves.Add for it.
func (s *Session) persist(ctx context.Context, snap model.AttemptSnapshot) error {
	defer s.saves.Done()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.sync.SaveSnapshot(ctx, snap)
}

// Submit scores and finalizes the attempt. If an auto-submit is already running the
// call waits for it and returns its outcome. After success every further call
// returns the same result.
func (s *Session) Submit(ctx context.Context) (*Result, error) {
	if s.finished.Load() {
		return s.finishedResult()
	}

	reply := make(chan submitOutcome, 1)
	if err := s.send(ctx, func() { s.requestFinalize(triggerManual, reply) }); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return s.finishedResult()
		}
		return nil, err
	}

	select {
	case out := <-reply:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the current view. Once the session has ended it returns the last view.
func (s *Session) State(ctx context.Context) (View, error) {
	var v View
	if err := s.send(ctx, func() { v = s.view() }); err != nil {
		if final := s.final.Load(); final != nil && errors.Is(err, ErrSessionClosed) {
			return *final, nil
		}
		return View{}, err
	}
	return v, nil
}

// Close tears the session down without submitting; the attempt stays open in the
// store for a later resume. Blocks until the session goroutine has exited.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) send(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// post hands fn to the loop from a background goroutine. Dropped once the loop is gone.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

func (s *Session) closedErr(err error) error {
	if errors.Is(err, ErrSessionClosed) {
		if v := s.final.Load(); v != nil && v.Status == StatusSubmitted {
			return ErrAlreadySubmitted
		}
	}
	return err
}

func (s *Session) finishedResult() (*Result, error) {
	v := s.final.Load()
	if v == nil || v.Status != StatusSubmitted {
		return nil, ErrSessionClosed
	}
	if v.Result == nil {
		return nil, ErrAlreadySubmitted
	}
	r := *v.Result
	return &r, nil
}

func (s *Session) header() *model.Attempt {
	return &model.Attempt{ID: s.attemptID, QuizID: s.quizID, StudentID: s.studentID}
}

func (s *Session) run() {
	defer s.teardown()

	s.countdown.Start()
	// An attempt resumed with no time left is submitted straight away.
	if _, expired := s.countdown.Advance(s.clock.Now()); expired {
		s.expire()
	}

	for !s.exit {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.countdown.Ticks():
			// The tick's own timestamp can be stale after a stall; read the clock.
			s.onTick(s.clock.Now())
		case <-s.countdown.Autosaves():
			s.autosave()
		case <-s.retryC():
			s.retry = nil
			s.requestFinalize(triggerAuto, nil)
		case <-s.stopC():
			s.closing = true
			// An in-flight finalize is waited for so its outcome is not lost.
			if !s.finalizing {
				s.exit = true
			}
		}
	}
}

func (s *Session) stopC() <-chan struct{} {
	if s.closing {
		return nil
	}
	return s.stop
}

func (s *Session) retryC() <-chan time.Time {
	if s.retry == nil {
		return nil
	}
	return s.retry.Chan()
}

func (s *Session) writable() error {
	switch {
	case s.status == StatusSubmitted:
		return ErrAlreadySubmitted
	case s.countdown.Expired():
		return ErrTimeUp
	case s.finalizing:
		return ErrFinalizeInProgress
	}
	return nil
}

func (s *Session) onTick(now time.Time) {
	remaining, expired := s.countdown.Advance(now)
	s.events.publish(Event{
		Type:             EventTick,
		RemainingSeconds: &remaining,
		RemainingDisplay: timer.FormatRemaining(&remaining),
		At:               now,
	})
	if expired {
		s.expire()
	}
}

func (s *Session) expire() {
	if s.expiredAt.IsZero() {
		s.expiredAt = s.clock.Now()
		if d := s.countdown.Deadline(); !d.IsZero() && d.Before(s.expiredAt) {
			s.expiredAt = d
		}
	}
	s.log.Info().Time("expired_at", s.expiredAt).Msg("Time is up, auto-submitting")
	s.requestFinalize(triggerAuto, nil)
}

// cacheStamp returns a strictly increasing time for fallback cache writes so they
// order the same way the answers were applied.
func (s *Session) cacheStamp() time.Time {
	now := s.clock.Now()
	if !now.After(s.cacheAt) {
		now = s.cacheAt.Add(time.Nanosecond)
	}
	s.cacheAt = now
	return now
}

func (s *Session) snapshot() model.AttemptSnapshot {
	s.revision++
	s.dirty = false
	return model.AttemptSnapshot{
		AttemptID:        s.attemptID,
		Answers:          s.attempt.Answers.Clone(),
		RemainingSeconds: s.countdown.Remaining(),
		Revision:         s.revision,
		SavedAt:          s.clock.Now(),
	}
}

// autosave issues a cadence snapshot. The write runs off the loop and may overlap
// earlier writes; the store keeps the highest revision.
func (s *Session) autosave() {
	if s.status != StatusInProgress || s.finalizing {
		return
	}
	snap := s.snapshot()
	s.saves.Add(1)
	go func() {
		err := s.persist(context.Background(), snap)
		metrics.Autosaves.WithLabelValues(triggerCadence, metrics.Result(err)).Inc()
		s.post(func() { _ = s.saveDone(snap, err) })
	}()
}

// saveDone applies the outcome of a snapshot write on the loop and returns the
// error the caller should see.
func (s *Session) saveDone(snap model.AttemptSnapshot, err error) error {
	var stale *StaleSnapshotError
	if errors.As(err, &stale) {
		if snap.Revision < s.revision && stale.Stored <= s.revision {
			// A later snapshot from this session got there first.
			return nil
		}
		if stale.Stored > s.revision {
			s.revision = stale.Stored
		}
	}

	if err != nil {
		if !errors.Is(err, ErrAlreadyFinalized) {
			s.log.Warn().Err(err).Int64("revision", snap.Revision).Msg("Autosave failed, next cadence will retry")
		}
		if stale != nil || snap.Revision == s.revision {
			s.dirty = true
		}
		s.events.publish(Event{Type: EventSaveFailed, Revision: snap.Revision, Error: err.Error(), At: s.clock.Now()})
		return err
	}
	if snap.Revision > s.savedRev {
		s.savedRev = snap.Revision
		s.attempt.LastSavedAt = snap.SavedAt
	}
	s.events.publish(Event{Type: EventSaved, Revision: snap.Revision, RemainingSeconds: snap.RemainingSeconds, At: snap.SavedAt})
	return nil
}

// requestFinalize is the single entry to finalize for manual and automatic submits.
// The finalizing flag is the guard: while it is held, later requests only queue
// for the outcome.
func (s *Session) requestFinalize(trigger string, reply chan submitOutcome) {
	if s.status == StatusSubmitted {
		if reply != nil {
			if s.result == nil {
				reply <- submitOutcome{err: ErrAlreadySubmitted}
			} else {
				r := *s.result
				reply <- submitOutcome{result: &r}
			}
		}
		return
	}
	if reply != nil {
		s.waiters = append(s.waiters, reply)
	}
	if s.finalizing {
		return
	}
	s.finalizing = true
	s.stopRetry()

	sub, res := s.buildSubmission(trigger == triggerAuto || s.autoPending)
	header := s.header()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		err := s.sync.Finalize(ctx, header, sub)
		if err == nil {
			res.SubmissionID = sub.ID
		}
		s.post(func() { s.finalizeDone(trigger, res, err) })
	}()
}

func (s *Session) finalizeDone(trigger string, res Result, err error) {
	s.finalizing = false
	metrics.Finalizations.WithLabelValues(trigger, metrics.Result(err)).Inc()

	switch {
	case errors.Is(err, ErrAlreadyFinalized):
		s.log.Warn().Str("trigger", trigger).Msg("Attempt was already finalized elsewhere")
		s.markSubmitted(nil)
		s.replyAll(submitOutcome{err: ErrAlreadySubmitted})

	case err != nil:
		s.log.Error().Err(err).Str("trigger", trigger).Msg("Finalize failed")
		s.events.publish(Event{Type: EventSubmitFailed, Error: err.Error(), At: s.clock.Now()})
		s.replyAll(submitOutcome{err: fmt.Errorf("%w: %w", ErrFinalizeFailed, err)})
		// Once time has run out nobody else will submit, so keep trying.
		if trigger == triggerAuto || s.countdown.Expired() {
			s.autoPending = true
			s.scheduleRetry()
		}
		if s.closing {
			s.exit = true
		}

	default:
		s.log.Info().
			Int("score", res.Score).
			Bool("passed", res.Passed).
			Bool("auto_submitted", res.AutoSubmitted).
			Msg("Attempt submitted")
		s.markSubmitted(&res)
		s.events.publish(Event{Type: EventSubmitted, Result: &res, At: res.CompletedAt})
		r := res
		s.replyAll(submitOutcome{result: &r})
	}
}

func (s *Session) markSubmitted(res *Result) {
	s.status = StatusSubmitted
	s.attempt.Submitted = true
	s.autoPending = false
	s.result = res
	s.countdown.Stop()
	s.stopRetry()
	s.storeFinal()
	s.exit = true
}

func (s *Session) replyAll(out submitOutcome) {
	for _, ch := range s.waiters {
		ch <- out
	}
	s.waiters = nil
}

func (s *Session) scheduleRetry() {
	s.stopRetry()
	delay := s.backoff
	s.retry = s.clock.NewTimer(delay)
	s.backoff *= 2
	if s.backoff > s.cfg.FinalizeRetryMax && s.cfg.FinalizeRetryMax > 0 {
		s.backoff = s.cfg.FinalizeRetryMax
	}
	s.log.Warn().Dur("retry_in", delay).Msg("Auto-submit retry scheduled")
}

func (s *Session) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// buildSubmission grades the current answers. Once time has run out the
// submission is stamped with the expiry instant, however late finalize succeeds.
func (s *Session) buildSubmission(auto bool) (*model.Submission, Result) {
	now := s.clock.Now()
	if !s.expiredAt.IsZero() {
		now = s.expiredAt
	}
	answers := s.attempt.Answers.Clone()
	graded := scoring.Score(s.questions, answers, s.quiz.PassingScore)

	elapsed := int(now.Sub(s.attempt.StartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	if !s.expiredAt.IsZero() && s.quiz.Timed() && elapsed > *s.quiz.TimeLimitSeconds {
		elapsed = *s.quiz.TimeLimitSeconds
	}

	sub := &model.Submission{
		QuizID:         s.quizID,
		StudentID:      s.studentID,
		AttemptNumber:  s.attemptNumber,
		Answers:        answers,
		Score:          graded.Score,
		Passed:         graded.Passed,
		ElapsedSeconds: elapsed,
		StartedAt:      s.attempt.StartedAt,
		CompletedAt:    now,
	}
	res := Result{
		Score:          graded.Score,
		Passed:         graded.Passed,
		EarnedPoints:   graded.EarnedPoints,
		TotalPoints:    graded.TotalPoints,
		ElapsedSeconds: elapsed,
		AttemptNumber:  s.attemptNumber,
		AutoSubmitted:  auto,
		CompletedAt:    now,
	}
	return sub, res
}

func (s *Session) view() View {
	remaining := s.countdown.Remaining()
	v := View{
		AttemptID:        s.attemptID,
		QuizID:           s.quizID,
		QuizTitle:        s.quiz.Title,
		AttemptNumber:    s.attemptNumber,
		Status:           s.status,
		Answers:          s.attempt.Answers.Clone(),
		AnsweredCount:    s.attempt.Answers.AnsweredCount(),
		TotalQuestions:   len(s.questions),
		RemainingSeconds: remaining,
		RemainingDisplay: timer.FormatRemaining(remaining),
		StartedAt:        s.attempt.StartedAt,
		LastSavedAt:      s.attempt.LastSavedAt,
		Revision:         s.revision,
		Resumed:          s.resumed,
	}
	if s.result != nil {
		r := *s.result
		v.Result = &r
	}
	return v
}

func (s *Session) storeFinal() {
	v := s.view()
	s.final.Store(&v)
	s.finished.Store(true)
}

// teardown releases the timers on every exit path. An unsubmitted attempt stays
// open in the store; unsaved answers are flushed and a pending auto-submit is
// handed to the retry queue.
func (s *Session) teardown() {
	s.countdown.Stop()
	s.stopRetry()
	// The next session for this attempt must load what these writes stored.
	s.saves.Wait()

	if s.status != StatusSubmitted {
		switch {
		case s.autoPending:
			s.handOff()
		case s.dirty:
			s.flush()
		}
	}

	s.sync.Release(s.attemptID)
	s.storeFinal()
	s.events.close(Event{Type: EventClosed, At: s.clock.Now()})
	if s.onExit != nil {
		s.onExit(s)
	}
	close(s.done)
}

func (s *Session) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()

	for try := 0; ; try++ {
		snap := s.snapshot()
		err := s.sync.SaveSnapshot(ctx, snap)
		metrics.Autosaves.WithLabelValues(triggerTeardown, metrics.Result(err)).Inc()

		var stale *StaleSnapshotError
		if try == 0 && errors.As(err, &stale) {
			s.revision = max(s.revision, stale.Stored)
			continue
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("Final save on teardown failed, fallback cache still holds answers")
			return
		}
		s.savedRev = snap.Revision
		s.attempt.LastSavedAt = snap.SavedAt
		return
	}
}

func (s *Session) handOff() {
	if s.queue == nil {
		s.log.Error().Msg("Auto-submit pending at teardown with no retry queue, attempt left open")
		return
	}
	sub, _ := s.buildSubmission(true)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()

	err := s.queue.Enqueue(ctx, model.PendingFinalize{AttemptID: s.attemptID, Submission: *sub})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to hand off pending auto-submit, attempt left open")
		return
	}
	s.log.Warn().Msg("Pending auto-submit handed to the retry queue")
}
