package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/database"
	"github.com/stemsi/quiz-engine/internal/handler"
	"github.com/stemsi/quiz-engine/internal/logger"
	"github.com/stemsi/quiz-engine/internal/metrics"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stemsi/quiz-engine/internal/repository"
	"github.com/stemsi/quiz-engine/internal/router"
	"github.com/stemsi/quiz-engine/internal/service"
	"github.com/stemsi/quiz-engine/internal/validator"
	"github.com/stemsi/quiz-engine/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Msg("Starting quiz engine")

	validator.Setup()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Assessment Store ──────────────────────────────────────────────
	var (
		store service.AssessmentStore
		defs  service.DefinitionSource
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		mem := repository.NewMemoryStore()
		if err := seedQuizzes(mem, cfg.QuizSeedFile); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed memory store")
		}
		store, defs = mem, mem
		log.Warn().Msg("Using in-memory store, attempts are lost on restart")
	default:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		store = repository.NewAssessmentStore(pool)
		defs = repository.NewQuizRepository(pool)
	}

	// ─── Initialize Services ──────────────────────────────────────────
	sessions := service.NewSessionManager(service.SessionManagerDeps{
		Store:       store,
		Definitions: service.NewCachedDefinitions(defs, rdb, cfg.Quiz.DefinitionCacheTTL, log),
		Cache:       service.NewRedisFallbackCache(rdb, cfg.Quiz.FallbackTTL),
		Queue:       worker.NewRedisFinalizeQueue(rdb),
		Log:         log,
	}, cfg.Quiz)
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)

	handlers := &router.Handlers{
		QuizSession: handler.NewQuizSessionHandler(sessions),
		WS:          handler.NewWSHandler(sessions, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	finalizeWorker := worker.NewFinalizeWorker(sessions, rdb, cfg.Quiz, log)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		finalizeWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, log)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Flush open sessions. Pending auto-submits are handed to the worker queue.
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Session shutdown error")
	}

	// 3. Stop the worker once it has given queued items a last try.
	workerCancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Finalize worker did not stop in time")
	}

	log.Info().Msg("Shutdown complete")
}

// seedQuizzes loads quiz payloads from a JSON file into the memory store.
func seedQuizzes(mem *repository.MemoryStore, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var quizzes []model.QuizPayload
	if err := json.Unmarshal(data, &quizzes); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}
	for _, q := range quizzes {
		mem.PutQuiz(q)
	}
	return nil
}

