package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedDefinitions_ReadThrough(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	store := repository.NewMemoryStore()
	quiz := trueFalseQuiz(ptr(120), 2)
	store.PutQuiz(quiz)
	defs := NewCachedDefinitions(store, rdb, time.Minute, zerolog.Nop())

	got, err := defs.GetQuiz(ctx, quiz.Quiz.ID)
	require.NoError(t, err)
	assert.Equal(t, quiz.Quiz.Title, got.Title)
	assert.Equal(t, 1, store.Calls(repository.OpGetQuiz))

	key := config.CacheKey.QuizDefinitionKey(quiz.Quiz.ID.String())
	require.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	questions, err := defs.GetQuestions(ctx, quiz.Quiz.ID)
	require.NoError(t, err)
	require.Len(t, questions, 2)
	assert.Equal(t, quiz.Questions[0].ID, questions[0].ID)
	assert.Equal(t, "true", questions[0].CorrectAnswer)
	assert.Equal(t, 1, store.Calls(repository.OpGetQuiz), "served from cache")

	mr.FastForward(2 * time.Minute)
	_, err = defs.GetQuiz(ctx, quiz.Quiz.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Calls(repository.OpGetQuiz))
}

func TestCachedDefinitions_FallsThroughOnCacheTrouble(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	store := repository.NewMemoryStore()
	quiz := trueFalseQuiz(nil, 1)
	store.PutQuiz(quiz)
	defs := NewCachedDefinitions(store, rdb, time.Minute, zerolog.Nop())

	require.NoError(t, mr.Set(config.CacheKey.QuizDefinitionKey(quiz.Quiz.ID.String()), "{not json"))
	got, err := defs.GetQuiz(ctx, quiz.Quiz.ID)
	require.NoError(t, err)
	assert.Equal(t, quiz.Quiz.ID, got.ID)

	mr.Close()
	got, err = defs.GetQuiz(ctx, quiz.Quiz.ID)
	require.NoError(t, err)
	assert.Equal(t, quiz.Quiz.ID, got.ID)
}

func TestCachedDefinitions_UnknownQuiz(t *testing.T) {
	_, rdb := newTestRedis(t)
	defs := NewCachedDefinitions(repository.NewMemoryStore(), rdb, time.Minute, zerolog.Nop())

	_, err := defs.GetQuiz(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrQuizNotFound)
}
