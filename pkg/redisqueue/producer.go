package redisqueue

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Producer adds tasks to the queue.
// It is safe to run multiple instances on the queue.
type Producer struct {
	Redis redis.Cmdable
	Keys  Keys
}

// Push adds task IDs to the queue if they are not already pending.
func (p *Producer) Push(ctx context.Context, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return p.Redis.SAdd(ctx, p.Keys.PendingSet, toArgs(taskIDs)...).Err()
}
