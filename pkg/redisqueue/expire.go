package redisqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ExpirationWorker loops over the expiration event queue
// and returns tasks that were not acknowledged within the TTL to the pending set.
// It is safe to run multiple instances on the same keys.
type ExpirationWorker struct {
	Log   *zap.Logger
	Redis redis.Cmdable
	Clock clockwork.Clock
	// Callback is optional and called for every expired claim after the task was requeued.
	Callback ExpireCallback

	Keys         Keys
	EmptyBackoff time.Duration // time to sleep when the queue is empty
	BatchSize    uint          // max tasks to expire at once using Lua script
}

// ExpireCallback is called when a claim for a task expires.
type ExpireCallback func(ctx context.Context, taskID string, claimer string) error

// Run runs the expiration worker until the context is canceled.
func (e *ExpirationWorker) Run(ctx context.Context) error {
	if e.Clock == nil {
		e.Clock = clockwork.NewRealClock()
	}
	if e.Log == nil {
		e.Log = zap.NewNop()
	}
	for {
		if err := e.step(ctx); err != nil {
			return err
		}
	}
}

// step runs the expiration Lua script once, processes callbacks,
// and sleeps the minimum time until the next expiration can occur.
func (e *ExpirationWorker) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Script: Requeue and return all tasks that have expired.
	// Argument 1: Batch size (max script iterations)
	// Argument 2: Unix epoch
	// Key 1: Expire list
	// Key 2: In-flight hash
	// Key 3: Pending set
	// Returns a flat list of claimers and task IDs,
	// terminated by the seconds until the next expiration and "sleep".
	const expireScript = `
local ret = {}
local sleep = 0
local t = tonumber(ARGV[2])
for i=1,tonumber(ARGV[1]),1 do
	local item = redis.call("LINDEX", KEYS[1], -1)
	if not item then break end
	local sep = string.find(item, ":[^:]*$")
	if not sep then error("invalid item: " .. item) end
	local task_id = string.sub(item, 1, sep-1)
	local exp = tonumber(string.sub(item, sep+1))
	sleep = exp - t
	if exp > t then break end
	redis.call("RPOP", KEYS[1])
	local claim = redis.call("HGET", KEYS[2], task_id)
	if claim then
		redis.call("HDEL", KEYS[2], task_id)
		redis.call("SADD", KEYS[3], task_id)
		table.insert(ret, claim)
		table.insert(ret, task_id)
	end
end
table.insert(ret, sleep)
table.insert(ret, "sleep")
return ret
`
	now := e.Clock.Now().Unix()
	res, err := e.Redis.Eval(ctx, expireScript,
		[]string{e.Keys.ExpireList, e.Keys.InflightHash, e.Keys.PendingSet},
		e.BatchSize, now,
	).Result()
	if err != nil {
		return fmt.Errorf("failed to expire claims via Lua: %w", err)
	}
	resParts, ok := res.([]interface{})
	if !ok || len(resParts) < 2 || len(resParts)%2 != 0 {
		return fmt.Errorf("failed to expire claims via Lua: invalid return %#v", res)
	}
	var sleepSecs int64
	var gotSleepParam bool
	for i := 0; i < len(resParts); i += 2 {
		entry, ok := resParts[i+1].(string)
		if !ok {
			return fmt.Errorf("invalid entry on expired batch: %#v %#v", resParts[i], resParts[i+1])
		}
		if entry == "sleep" {
			sleepSecs, ok = resParts[i].(int64)
			if !ok {
				return fmt.Errorf("invalid sleep on expired batch: %#v", resParts[i])
			}
			gotSleepParam = true
			continue
		}
		claimer, ok := resParts[i].(string)
		if !ok {
			return fmt.Errorf("invalid claim in expired batch: %#v", resParts[i])
		}
		e.Log.Debug("Claim expired", zap.String("task_id", entry), zap.String("claimer", claimer))
		if e.Callback != nil {
			if err := e.Callback(ctx, entry, claimer); err != nil {
				return fmt.Errorf("callback failed: %w", err)
			}
		}
	}
	if !gotSleepParam {
		return fmt.Errorf("missing sleep on expired batch")
	}
	// Sleep until next expiration.
	var sleepDur time.Duration
	switch {
	case len(resParts) <= 2 && sleepSecs <= 0:
		sleepDur = e.EmptyBackoff
	case sleepSecs > 0:
		sleepDur = time.Duration(sleepSecs) * time.Second
	}
	if sleepDur <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.Clock.After(sleepDur):
		return nil
	}
}
