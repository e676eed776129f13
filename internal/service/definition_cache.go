package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/model"
	"golang.org/x/sync/singleflight"
)

// CachedDefinitions is a Redis read-through cache in front of a DefinitionSource.
// Quiz metadata and questions are cached together as one payload.
type CachedDefinitions struct {
	src   DefinitionSource
	rdb   *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
	group singleflight.Group
}

// NewCachedDefinitions creates a new CachedDefinitions.
func NewCachedDefinitions(src DefinitionSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedDefinitions {
	return &CachedDefinitions{
		src: src,
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "definition_cache").Logger(),
	}
}

func (c *CachedDefinitions) GetQuiz(ctx context.Context, quizID uuid.UUID) (*model.QuizDefinition, error) {
	p, err := c.payload(ctx, quizID)
	if err != nil {
		return nil, err
	}
	q := p.Quiz
	return &q, nil
}

func (c *CachedDefinitions) GetQuestions(ctx context.Context, quizID uuid.UUID) ([]model.Question, error) {
	p, err := c.payload(ctx, quizID)
	if err != nil {
		return nil, err
	}
	return p.Questions, nil
}

func (c *CachedDefinitions) payload(ctx context.Context, quizID uuid.UUID) (*model.QuizPayload, error) {
	key := config.CacheKey.QuizDefinitionKey(quizID.String())

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p model.QuizPayload
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			return &p, nil
		}
		c.log.Warn().Str("quiz_id", quizID.String()).Msg("Discarding unreadable cached definition")
	case !errors.Is(err, redis.Nil):
		// Cache trouble never blocks a start; go to the source.
		c.log.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("Definition cache read failed")
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, quizID, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.QuizPayload), nil
}

func (c *CachedDefinitions) load(ctx context.Context, quizID uuid.UUID, key string) (*model.QuizPayload, error) {
	quiz, err := c.src.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("get quiz: %w", err)
	}
	questions, err := c.src.GetQuestions(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}

	p := &model.QuizPayload{Quiz: *quiz, Questions: questions}
	if data, err := json.Marshal(p); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("Definition cache write failed")
		}
	}
	return p, nil
}
