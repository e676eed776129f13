package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stemsi/quiz-engine/internal/repository"
)

const finalizePollTimeout = time.Second

// Finalizer completes a handed-off finalize. SessionManager satisfies it.
type Finalizer interface {
	FinalizePending(ctx context.Context, p model.PendingFinalize) error
}

// FinalizeWorker consumes persist_submissions_queue and retries auto-submits whose
// session was torn down before the store accepted them.
type FinalizeWorker struct {
	finalizer   Finalizer
	rdb         *redis.Client
	retryDelay  time.Duration
	maxAttempts int
	timeout     time.Duration
	log         zerolog.Logger
}

// NewFinalizeWorker creates a new FinalizeWorker.
func NewFinalizeWorker(f Finalizer, rdb *redis.Client, cfg config.QuizConfig, log zerolog.Logger) *FinalizeWorker {
	return &FinalizeWorker{
		finalizer:   f,
		rdb:         rdb,
		retryDelay:  cfg.WorkerRetryDelay,
		maxAttempts: cfg.WorkerMaxAttempts,
		timeout:     cfg.StoreTimeout,
		log:         log.With().Str("component", "finalize_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *FinalizeWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *FinalizeWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, finalizePollTimeout, config.WorkerKey.PersistSubmissionsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var p model.PendingFinalize
	if err := json.Unmarshal([]byte(result[1]), &p); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error, moving to dead-letter queue")
		w.rdb.RPush(ctx, config.WorkerKey.FailedSubmissionsQueue, result[1])
		return
	}

	if w.handle(ctx, &p) {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.retryDelay):
	}
}

// handle runs one finalize try and requeues on failure. Returns true when the
// item left the retry queue.
func (w *FinalizeWorker) handle(ctx context.Context, p *model.PendingFinalize) bool {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	err := w.finalizer.FinalizePending(fctx, *p)
	cancel()

	log := w.log.With().
		Str("attempt_id", p.AttemptID.String()).
		Int("student_id", p.Submission.StudentID).
		Logger()

	switch {
	case err == nil:
		log.Info().Int("tries", p.Tries+1).Msg("Pending submission finalized")
		return true
	case errors.Is(err, repository.ErrAlreadyFinalized):
		log.Info().Msg("Attempt already finalized, dropping")
		return true
	}

	p.Tries++
	p.LastError = err.Error()
	data, _ := json.Marshal(p)

	if w.maxAttempts > 0 && p.Tries >= w.maxAttempts {
		log.Error().Err(err).Int("tries", p.Tries).Msg("Giving up, moving to dead-letter queue")
		w.rdb.RPush(ctx, config.WorkerKey.FailedSubmissionsQueue, data)
		return true
	}

	log.Warn().Err(err).Int("tries", p.Tries).Dur("retry_in", w.retryDelay).Msg("Finalize failed, requeueing")
	w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistSubmissionsQueue, data)
	return false
}

// drain gives every queued item one more try before shutdown.
func (w *FinalizeWorker) drain(ctx context.Context) {
	n, err := w.rdb.LLen(ctx, config.WorkerKey.PersistSubmissionsQueue).Result()
	if err != nil {
		return
	}

	drained := 0
	for i := int64(0); i < n; i++ {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistSubmissionsQueue).Result()
		if err != nil {
			break
		}
		var p model.PendingFinalize
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}
		if w.handle(ctx, &p) {
			drained++
		}
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
