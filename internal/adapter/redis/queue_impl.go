package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/user/listing-crawler/internal/repository"
)

const runQueueKey = "crawler:runs"

// QueueRepoImpl provides a concrete implementation for the QueueRepository interface using Redis Lists.
type QueueRepoImpl struct {
	client redis.Cmdable
}

// NewQueueRepo creates a new instance of QueueRepoImpl.
func NewQueueRepo(client redis.Cmdable) *QueueRepoImpl {
	return &QueueRepoImpl{client: client}
}

// Push adds a run to the left side of the Redis list (acting as a queue).
func (r *QueueRepoImpl) Push(ctx context.Context, run repository.QueuedRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return r.client.LPush(ctx, runQueueKey, data).Err()
}

// Pop removes and returns a run from the right side of the list, blocking for at most timeout.
func (r *QueueRepoImpl) Pop(ctx context.Context, timeout time.Duration) (repository.QueuedRun, error) {
	var run repository.QueuedRun

	// BRPOP returns the key name followed by the value.
	res, err := r.client.BRPop(ctx, timeout, runQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return run, repository.ErrQueueEmpty
	}
	if err != nil {
		return run, err
	}
	if len(res) != 2 {
		return run, errors.New("unexpected BRPOP reply")
	}
	if err := json.Unmarshal([]byte(res[1]), &run); err != nil {
		return run, err
	}
	return run, nil
}

// Size returns the current number of runs in the queue.
func (r *QueueRepoImpl) Size(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, runQueueKey).Result()
}
