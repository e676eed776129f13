package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/model"
)

// RedisFinalizeQueue hands pending submissions to the FinalizeWorker through Redis.
type RedisFinalizeQueue struct {
	rdb *redis.Client
}

func NewRedisFinalizeQueue(rdb *redis.Client) *RedisFinalizeQueue {
	return &RedisFinalizeQueue{rdb: rdb}
}

// Enqueue appends p to persist_submissions_queue.
func (q *RedisFinalizeQueue) Enqueue(ctx context.Context, p model.PendingFinalize) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending submission: %w", err)
	}
	if err := q.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, data).Err(); err != nil {
		return fmt.Errorf("enqueue pending submission: %w", err)
	}
	return nil
}
