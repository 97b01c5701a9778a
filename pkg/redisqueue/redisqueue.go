// Package redisqueue runs a lightweight message queue on top of Redis.
//
// Components
//
// Producers push task IDs, consumers claim random pending tasks for a fixed time-to-live
// and acknowledge them when done.
// At least one ExpirationWorker needs to run in the background to maintain the queue.
// The algorithms rely on Redis Lua server-side scripting for safe concurrent access.
//
// Data structures
//
// The set of pending tasks is stored in an unsorted set.
// When a task is claimed, the claimer is associated to the task in a hash map,
// the receive count of the task is incremented,
// and a future expiration event is pushed onto a list.
// Expired claims return the task to the pending set.
// Tasks that should never be retried again are moved to a dead letter set.
package redisqueue

import "fmt"

// Keys holds the Redis keys used.
type Keys struct {
	PendingSet   string // tasks waiting to be claimed
	InflightHash string // task ID to claimer (inflight only)
	ExpireList   string // task IDs with expiration time (inflight only)
	ReceiveHash  string // task ID to number of claims
	DeadSet      string // archived tasks
}

// KeysForPrefix creates Keys with a common prefix.
func KeysForPrefix(prefix string) Keys {
	return Keys{
		PendingSet:   prefix + "_P",
		InflightHash: prefix + "_I",
		ExpireList:   prefix + "_E",
		ReceiveHash:  prefix + "_R",
		DeadSet:      prefix + "_D",
	}
}

// Task is a claimed task.
type Task struct {
	ID      string
	Claimer string
	// ReceivedCount is the number of times the task was claimed, including this time.
	ReceivedCount int
}

func (t *Task) String() string {
	return fmt.Sprintf("redis:%s", t.ID)
}

func toArgs(strs []string) []interface{} {
	args := make([]interface{}, len(strs))
	for i, s := range strs {
		args[i] = s
	}
	return args
}
