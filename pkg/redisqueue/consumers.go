package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
)

// Consumers claim and acknowledge tasks on the queue.
type Consumers struct {
	Redis redis.Cmdable
	Keys  Keys
	TTL   time.Duration // claim time-to-live, rounded down to seconds
	Clock clockwork.Clock
}

func (c *Consumers) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

// Claim attaches up to n random pending tasks to a claimer.
func (c *Consumers) Claim(ctx context.Context, claimer string, n int) ([]*Task, error) {
	if n <= 0 {
		return nil, nil
	}
	// Script: Bulk move tasks from pending to claimed.
	// Argument 1: Claimer string
	// Argument 2: Task count
	// Argument 3: Expiration epoch
	// Key 1: Pending set
	// Key 2: In-flight hash
	// Key 3: Expire list
	// Key 4: Receive count hash
	// Returns flat list of task IDs and receive counts.
	const claimScript = `
local ret = {}
for i=1,tonumber(ARGV[2]),1 do
	local item = redis.call("SRANDMEMBER", KEYS[1])
	if not item then break end
	redis.call("SREM", KEYS[1], item)
	redis.call("HSET", KEYS[2], item, ARGV[1])
	redis.call("LPUSH", KEYS[3], item .. ":" .. ARGV[3])
	local count = redis.call("HINCRBY", KEYS[4], item, 1)
	table.insert(ret, item)
	table.insert(ret, count)
end
return ret
`
	expTime := c.now().Add(c.TTL).Unix()
	res, err := c.Redis.Eval(ctx, claimScript,
		[]string{c.Keys.PendingSet, c.Keys.InflightHash, c.Keys.ExpireList, c.Keys.ReceiveHash},
		claimer, n, strconv.FormatInt(expTime, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claims via Lua: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts)%2 != 0 {
		return nil, fmt.Errorf("failed to get claims via Lua: invalid return %#v", res)
	}
	tasks := make([]*Task, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		taskID, ok := parts[i].(string)
		if !ok {
			return nil, fmt.Errorf("invalid entry in claims batch: %#v", parts[i])
		}
		count, ok := parts[i+1].(int64)
		if !ok {
			return nil, fmt.Errorf("invalid receive count in claims batch: %#v", parts[i+1])
		}
		tasks = append(tasks, &Task{ID: taskID, Claimer: claimer, ReceivedCount: int(count)})
	}
	return tasks, nil
}

// ErrClaimedByOther gets raised when a consumer tries to access a claim it doesn't own.
var ErrClaimedByOther = errors.New("redisqueue: claimed by other")

// Ack finishes tasks, removing their claims and receive counts.
// Tasks whose claim expired are removed from the pending set.
// Returns ErrClaimedByOther if any of the task IDs are claimed by another claimer,
// in which case nothing is changed.
func (c *Consumers) Ack(ctx context.Context, claimer string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	// Script: Bulk remove claimed tasks.
	// Argument 1: Claimer string
	// Argument 2..: Task IDs
	// Key 1: In-flight hash
	// Key 2: Receive count hash
	// Key 3: Pending set
	// Returns whether claimer matches.
	const ackScript = `
local claims = redis.call("HMGET", KEYS[1], unpack(ARGV, 2))
for i=1,#claims,1 do
	if claims[i] and claims[i] ~= ARGV[1] then
		return 0
	end
end
redis.call("HDEL", KEYS[1], unpack(ARGV, 2))
redis.call("HDEL", KEYS[2], unpack(ARGV, 2))
redis.call("SREM", KEYS[3], unpack(ARGV, 2))
return 1
`
	args := append([]interface{}{claimer}, toArgs(taskIDs)...)
	res, err := c.Redis.Eval(ctx, ackScript,
		[]string{c.Keys.InflightHash, c.Keys.ReceiveHash, c.Keys.PendingSet},
		args...).Result()
	if err != nil {
		return fmt.Errorf("failed to ack claims via Lua: %w", err)
	}
	authzed, ok := res.(int64)
	if !ok {
		return fmt.Errorf("invalid return from ack: %#v", res)
	}
	if authzed == 0 {
		return ErrClaimedByOther
	}
	return nil
}

// Archive adds tasks to the dead letter set.
func (c *Consumers) Archive(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return c.Redis.SAdd(ctx, c.Keys.DeadSet, toArgs(taskIDs)...).Err()
}
