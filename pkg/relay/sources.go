package relay

import (
	"context"
	"errors"
	"time"

	"go.od2.network/conveyor/pkg/mysqlqueue"
	"go.od2.network/conveyor/pkg/redisqueue"
)

// MySQL drains a mysqlqueue.Store.
type MySQL struct {
	Store       *mysqlqueue.Store
	FetchBatch  int
	LockTimeout time.Duration
}

var _ Source[*mysqlqueue.Message] = (*MySQL)(nil)

// Fetch implements Source.
func (m *MySQL) Fetch(ctx context.Context) ([]*mysqlqueue.Message, error) {
	return m.Store.Receive(ctx, m.FetchBatch, m.LockTimeout)
}

// Remove implements Source.
func (m *MySQL) Remove(ctx context.Context, msgs []*mysqlqueue.Message) error {
	return m.Store.Remove(ctx, msgs)
}

// Archive implements Source.
func (m *MySQL) Archive(ctx context.Context, msgs []*mysqlqueue.Message) error {
	return m.Store.Archive(ctx, msgs)
}

// ReceivedCount implements Source.
func (m *MySQL) ReceivedCount(msg *mysqlqueue.Message) int { return msg.ReceivedCount }

// Redis drains a redisqueue.
type Redis struct {
	Consumers  *redisqueue.Consumers
	Claimer    string
	FetchBatch int
}

var _ Source[*redisqueue.Task] = (*Redis)(nil)

// Fetch implements Source.
func (r *Redis) Fetch(ctx context.Context) ([]*redisqueue.Task, error) {
	return r.Consumers.Claim(ctx, r.Claimer, r.FetchBatch)
}

// Remove implements Source.
// Tasks meanwhile claimed by another consumer are skipped.
func (r *Redis) Remove(ctx context.Context, tasks []*redisqueue.Task) error {
	err := r.Consumers.Ack(ctx, r.Claimer, taskIDs(tasks))
	if !errors.Is(err, redisqueue.ErrClaimedByOther) {
		return err
	}
	for _, task := range tasks {
		err := r.Consumers.Ack(ctx, r.Claimer, []string{task.ID})
		if err != nil && !errors.Is(err, redisqueue.ErrClaimedByOther) {
			return err
		}
	}
	return nil
}

// Archive implements Source.
func (r *Redis) Archive(ctx context.Context, tasks []*redisqueue.Task) error {
	return r.Consumers.Archive(ctx, taskIDs(tasks))
}

// ReceivedCount implements Source.
func (r *Redis) ReceivedCount(task *redisqueue.Task) int { return task.ReceivedCount }

func taskIDs(tasks []*redisqueue.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}
