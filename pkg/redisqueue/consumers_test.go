package redisqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.od2.network/conveyor/pkg/redistest"
)

func TestConsumers(t *testing.T) {
	ctx := context.Background()
	instance := redistest.NewRedis(t)
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))

	consumers := Consumers{
		Redis: instance.Client,
		Keys:  KeysForPrefix("Q"),
		TTL:   5 * time.Second,
		Clock: clock,
	}
	require.NoError(t, instance.Client.SAdd(ctx, consumers.Keys.PendingSet, "t1", "t2", "t3", "t4").Err())
	// Claim 3 for w1.
	w1Tasks, err := consumers.Claim(ctx, "w1", 3)
	require.NoError(t, err)
	require.Len(t, w1Tasks, 3)
	for _, task := range w1Tasks {
		assert.Equal(t, "w1", task.Claimer)
		assert.Equal(t, 1, task.ReceivedCount)
	}
	// Ensure claim and expiration entries got created.
	w1Claims, err := instance.Client.HGetAll(ctx, consumers.Keys.InflightHash).Result()
	require.NoError(t, err)
	assert.Len(t, w1Claims, 3)
	for _, v := range w1Claims {
		assert.Equal(t, "w1", v)
	}
	w1Expires, err := instance.Client.LRange(ctx, consumers.Keys.ExpireList, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, w1Expires, 3)
	for i, task := range w1Tasks {
		// LPUSH reverses order.
		assert.Equal(t, fmt.Sprintf("%s:1005", task.ID), w1Expires[2-i])
	}
	// Claim 2 for w2, only one is left.
	w2Tasks, err := consumers.Claim(ctx, "w2", 2)
	require.NoError(t, err)
	require.Len(t, w2Tasks, 1)
	pending, err := instance.Client.SCard(ctx, consumers.Keys.PendingSet).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
	// Nothing left to claim.
	none, err := consumers.Claim(ctx, "w2", 2)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Ack claims.
	require.NoError(t, consumers.Ack(ctx, "w1", []string{w1Tasks[0].ID, w1Tasks[1].ID}))
	inflight, err := instance.Client.HLen(ctx, consumers.Keys.InflightHash).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), inflight)
	// Ack claim we don't own.
	require.Equal(t, ErrClaimedByOther, consumers.Ack(ctx, "w2", []string{w1Tasks[2].ID, w2Tasks[0].ID}))
	inflight, err = instance.Client.HLen(ctx, consumers.Keys.InflightHash).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), inflight)
	// Ack rest.
	require.NoError(t, consumers.Ack(ctx, "w1", []string{w1Tasks[2].ID}))
	require.NoError(t, consumers.Ack(ctx, "w2", []string{w2Tasks[0].ID}))
	inflight, err = instance.Client.HLen(ctx, consumers.Keys.InflightHash).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)
	receives, err := instance.Client.HLen(ctx, consumers.Keys.ReceiveHash).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), receives)
}

func TestConsumers_ReceiveCount(t *testing.T) {
	ctx := context.Background()
	instance := redistest.NewRedis(t)
	consumers := Consumers{
		Redis: instance.Client,
		Keys:  KeysForPrefix("Q"),
		TTL:   time.Second,
	}
	producer := Producer{Redis: instance.Client, Keys: consumers.Keys}
	for i := 1; i <= 3; i++ {
		require.NoError(t, producer.Push(ctx, "t1"))
		tasks, err := consumers.Claim(ctx, "w", 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, i, tasks[0].ReceivedCount)
	}
}

func TestConsumers_Archive(t *testing.T) {
	ctx := context.Background()
	instance := redistest.NewRedis(t)
	consumers := Consumers{
		Redis: instance.Client,
		Keys:  KeysForPrefix("Q"),
		TTL:   time.Second,
	}
	require.NoError(t, consumers.Archive(ctx, []string{"t1", "t2", "t1"}))
	require.NoError(t, consumers.Archive(ctx, nil))
	instance.Server.CheckSet(t, consumers.Keys.DeadSet, "t1", "t2")
}

func TestConsumers_AckExpired(t *testing.T) {
	ctx := context.Background()
	instance := redistest.NewRedis(t)
	keys := KeysForPrefix("Q")
	consumers := Consumers{Redis: instance.Client, Keys: keys, TTL: time.Second}
	producer := Producer{Redis: instance.Client, Keys: keys}
	require.NoError(t, producer.Push(ctx, "t1"))
	tasks, err := consumers.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	// Simulate an expired claim that was returned to pending.
	require.NoError(t, instance.Client.HDel(ctx, keys.InflightHash, "t1").Err())
	require.NoError(t, producer.Push(ctx, "t1"))

	require.NoError(t, consumers.Ack(ctx, "w1", []string{"t1"}))
	pending, err := instance.Client.SCard(ctx, keys.PendingSet).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}
