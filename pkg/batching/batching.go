// Package batching groups enqueued items into batches for a set of consumers.
//
// A batch is handed out as soon as it reaches the maximum size.
// A smaller batch is handed out once it is at least minBatchDuration old,
// but only if a consumer is waiting for it.
package batching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Construction errors.
var (
	ErrBatchSize     = errors.New("batching: max batch size must be at least 1")
	ErrBatchDuration = errors.New("batching: min batch duration must be larger than zero")
)

// Batch is a non-empty, ordered group of items.
type Batch[T any] struct {
	Items   []T
	Created time.Time
}

// Queue is a size and time triggered batching queue.
// Consumers are served in FIFO order.
type Queue[T any] struct {
	clock            clockwork.Clock
	maxBatchSize     int
	minBatchDuration time.Duration

	mu        sync.Mutex
	open      *Batch[T]
	closed    []Batch[T]
	consumers []*consumer[T]
}

type consumer[T any] struct {
	ch chan Batch[T] // receives exactly one batch
}

// New creates a batching queue.
// The queue only hands out partial batches while Run is active.
func New[T any](clock clockwork.Clock, maxBatchSize int, minBatchDuration time.Duration) (*Queue[T], error) {
	if maxBatchSize < 1 {
		return nil, ErrBatchSize
	}
	if minBatchDuration <= 0 {
		return nil, ErrBatchDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue[T]{
		clock:            clock,
		maxBatchSize:     maxBatchSize,
		minBatchDuration: minBatchDuration,
	}, nil
}

// Enqueue appends items to the open batch, closing it whenever it fills up.
func (q *Queue[T]) Enqueue(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		if q.open == nil {
			q.open = &Batch[T]{
				Items:   make([]T, 0, q.maxBatchSize),
				Created: q.clock.Now(),
			}
		}
		q.open.Items = append(q.open.Items, item)
		if len(q.open.Items) >= q.maxBatchSize {
			q.closeOpen()
		}
	}
}

// Dequeue returns the next batch, waiting until one is ready or ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (Batch[T], error) {
	q.mu.Lock()
	if len(q.closed) > 0 {
		batch := q.closed[0]
		q.closed[0] = Batch[T]{}
		q.closed = q.closed[1:]
		q.mu.Unlock()
		return batch, nil
	}
	c := &consumer[T]{ch: make(chan Batch[T], 1)}
	q.consumers = append(q.consumers, c)
	q.mu.Unlock()

	select {
	case batch := <-c.ch:
		return batch, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeConsumer(c) {
		// Delivered concurrently, pass the batch on.
		batch := <-c.ch
		if len(q.consumers) > 0 {
			q.popConsumer().ch <- batch
		} else {
			q.closed = append([]Batch[T]{batch}, q.closed...)
		}
	}
	return Batch[T]{}, ctx.Err()
}

// Run closes aged batches for waiting consumers until ctx is done.
func (q *Queue[T]) Run(ctx context.Context) error {
	ticker := q.clock.NewTicker(q.minBatchDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			q.flush()
		}
	}
}

// Len returns the number of items not yet handed out.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	if q.open != nil {
		n += len(q.open.Items)
	}
	for _, b := range q.closed {
		n += len(b.Items)
	}
	return n
}

// Waiting returns the number of blocked consumers.
func (q *Queue[T]) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.consumers)
}

func (q *Queue[T]) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.open == nil || len(q.consumers) == 0 {
		return
	}
	if q.clock.Since(q.open.Created) >= q.minBatchDuration {
		q.closeOpen()
	}
}

// closeOpen hands the open batch to the first waiting consumer or parks it.
// Caller must hold the lock.
func (q *Queue[T]) closeOpen() {
	batch := *q.open
	q.open = nil
	if len(q.consumers) > 0 {
		q.popConsumer().ch <- batch
		return
	}
	q.closed = append(q.closed, batch)
}

func (q *Queue[T]) popConsumer() *consumer[T] {
	c := q.consumers[0]
	q.consumers[0] = nil
	q.consumers = q.consumers[1:]
	return c
}

func (q *Queue[T]) removeConsumer(c *consumer[T]) bool {
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			return true
		}
	}
	return false
}
