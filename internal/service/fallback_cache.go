package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/model"
)

// Reserved hash fields. Question ids are UUIDs so they never collide with these.
const (
	fieldAttemptID = "_attempt_id"
	fieldSavedAt   = "_saved_at"
)

// savedAtLayout is fixed width so stored timestamps compare as strings. It still
// parses as RFC 3339.
const savedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// setAnswerScript writes one answer unless the hash already holds a newer write for
// the same attempt.
//
// KEYS[1] hash key
// ARGV[1] attempt id, ARGV[2] saved at, ARGV[3] question id, ARGV[4] answer ("" deletes),
// ARGV[5] ttl in milliseconds (0 keeps the current expiry)
var setAnswerScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], '_attempt_id')
local saved = redis.call('HGET', KEYS[1], '_saved_at')
if owner == ARGV[1] and saved and saved > ARGV[2] then
	return 0
end
if ARGV[4] == '' then
	redis.call('HDEL', KEYS[1], ARGV[3])
else
	redis.call('HSET', KEYS[1], ARGV[3], ARGV[4])
end
redis.call('HSET', KEYS[1], '_attempt_id', ARGV[1], '_saved_at', ARGV[2])
if tonumber(ARGV[5]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

// RedisFallbackCache keeps one hash per student and quiz: a field per answered
// question plus the owning attempt id and the time of the last write.
type RedisFallbackCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisFallbackCache creates a new RedisFallbackCache.
func NewRedisFallbackCache(rdb *redis.Client, ttl time.Duration) *RedisFallbackCache {
	return &RedisFallbackCache{rdb: rdb, ttl: ttl}
}

func fallbackKey(studentID int, quizID uuid.UUID) string {
	return config.CacheKey.StudentFallbackAnswersKey(quizID.String(), studentID)
}

// Load returns the cached entry, or nil when nothing usable is cached.
func (c *RedisFallbackCache) Load(ctx context.Context, studentID int, quizID uuid.UUID) (*model.FallbackEntry, error) {
	fields, err := c.rdb.HGetAll(ctx, fallbackKey(studentID, quizID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load fallback answers: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	attemptID, err := uuid.Parse(fields[fieldAttemptID])
	if err != nil {
		return nil, nil
	}
	savedAt, err := time.Parse(time.RFC3339Nano, fields[fieldSavedAt])
	if err != nil {
		return nil, nil
	}

	entry := &model.FallbackEntry{AttemptID: attemptID, SavedAt: savedAt, Answers: model.Answers{}}
	for k, v := range fields {
		if strings.HasPrefix(k, "_") {
			continue
		}
		entry.Answers[k] = v
	}
	return entry, nil
}

// Replace overwrites the whole entry.
func (c *RedisFallbackCache) Replace(ctx context.Context, studentID int, quizID uuid.UUID, entry model.FallbackEntry) error {
	key := fallbackKey(studentID, quizID)
	values := make(map[string]any, len(entry.Answers)+2)
	for k, v := range entry.Answers {
		values[k] = v
	}
	values[fieldAttemptID] = entry.AttemptID.String()
	values[fieldSavedAt] = entry.SavedAt.UTC().Format(savedAtLayout)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace fallback answers: %w", err)
	}
	return nil
}

// SetAnswer writes through one answer. A blank answer removes the field. A write
// older than the one already cached for the same attempt is skipped, so writes
// that arrive out of order cannot roll an answer back.
func (c *RedisFallbackCache) SetAnswer(ctx context.Context, studentID int, quizID, attemptID uuid.UUID, questionID, answer string, savedAt time.Time) error {
	if strings.TrimSpace(answer) == "" {
		answer = ""
	}
	err := setAnswerScript.Run(ctx, c.rdb,
		[]string{fallbackKey(studentID, quizID)},
		attemptID.String(),
		savedAt.UTC().Format(savedAtLayout),
		questionID,
		answer,
		c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("cache answer: %w", err)
	}
	return nil
}

// Clear drops the entry.
func (c *RedisFallbackCache) Clear(ctx context.Context, studentID int, quizID uuid.UUID) error {
	if err := c.rdb.Del(ctx, fallbackKey(studentID, quizID)).Err(); err != nil {
		return fmt.Errorf("clear fallback answers: %w", err)
	}
	return nil
}
