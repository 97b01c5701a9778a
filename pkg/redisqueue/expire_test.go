package redisqueue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.od2.network/conveyor/pkg/redistest"
)

type claimedTask struct {
	taskID  string
	claimer string
}

type expiredSink struct {
	mu    sync.Mutex
	tasks []claimedTask
}

func (s *expiredSink) add(_ context.Context, taskID string, claimer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, claimedTask{taskID, claimer})
	return nil
}

func (s *expiredSink) get() []claimedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]claimedTask(nil), s.tasks...)
}

func TestExpirationWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(t)
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	keys := KeysForPrefix("Q")

	producer := Producer{Redis: instance.Client, Keys: keys}
	consumers := Consumers{Redis: instance.Client, Keys: keys, TTL: 5 * time.Second, Clock: clock}
	require.NoError(t, producer.Push(ctx, "t1", "t2", "t3"))
	claimed, err := consumers.Claim(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	clock.Advance(2 * time.Second)
	late, err := consumers.Claim(ctx, "w2", 1)
	require.NoError(t, err)
	require.Len(t, late, 1)

	sink := &expiredSink{}
	expWorker := ExpirationWorker{
		Log:          zaptest.NewLogger(t),
		Redis:        instance.Client,
		Clock:        clock,
		Callback:     sink.add,
		Keys:         keys,
		EmptyBackoff: time.Minute,
		BatchSize:    2,
	}
	done := make(chan error, 1)
	go func() { done <- expWorker.Run(ctx) }()

	// Nothing expired yet, the worker waits 3 seconds for the first claims.
	clock.BlockUntil(1)
	assert.Empty(t, sink.get())
	clock.Advance(3 * time.Second)

	// First two claims expire and return to pending.
	require.Eventually(t, func() bool { return len(sink.get()) == 2 }, time.Second, 5*time.Millisecond)
	got := sink.get()
	sort.Slice(got, func(i, j int) bool { return got[i].taskID < got[j].taskID })
	assert.Equal(t, sortedClaims(claimed, "w1"), got)
	pending, err := instance.Client.SMembers(ctx, keys.PendingSet).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{claimed[0].ID, claimed[1].ID}, pending)
	inflight, err := instance.Client.HGetAll(ctx, keys.InflightHash).Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{late[0].ID: "w2"}, inflight)

	// Acknowledged claims never expire.
	require.NoError(t, consumers.Ack(ctx, "w2", []string{late[0].ID}))
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	clock.BlockUntil(1)
	assert.Len(t, sink.get(), 2)
	expires, err := instance.Client.LLen(ctx, keys.ExpireList).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), expires)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func sortedClaims(tasks []*Task, claimer string) []claimedTask {
	out := make([]claimedTask, len(tasks))
	for i, task := range tasks {
		out[i] = claimedTask{task.ID, claimer}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].taskID < out[j].taskID })
	return out
}
