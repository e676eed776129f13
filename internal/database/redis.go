package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/config"
)

// NewRedisClient connects the Redis instance that holds fallback answers,
// cached quiz definitions and the finalize retry queue. Command timeouts follow
// QUIZ_STORE_TIMEOUT_SECONDS.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if t := cfg.Quiz.StoreTimeout; t > 0 {
		opt.ReadTimeout = t
		opt.WriteTimeout = t
	}

	rdb := redis.NewClient(opt)
	ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	if err := connectWithRetry(ctx, log, "redis", ping); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Dur("timeout", opt.ReadTimeout).
		Msg("Redis connected")

	return rdb, nil
}
