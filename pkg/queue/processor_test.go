package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.od2.network/conveyor/pkg/breaker"
)

func startProcessor[T any](t *testing.T, p *Processor[T]) {
	t.Helper()
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Stop() })
}

func TestProcessor_TransferPreservesOrder(t *testing.T) {
	next := &recorder[int]{name: "next"}
	p, err := NewProcessor[int]("handler",
		func(ctx context.Context, jobs []*Job[int]) error { return nil },
		WithBatching[int](3, 10*time.Millisecond),
		WithOnSuccess(func(*Job[int]) Op[int] { return TransferTo[int](next) }),
		WithProcessorBreaker[int](breaker.Never{}),
		WithProcessorLogger[int](zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	startProcessor(t, p)

	input := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	p.Enqueue(input...)
	require.Eventually(t, func() bool { return len(next.get()) == len(input) }, waitFor, tick)
	assert.Equal(t, input, next.get())
}

func TestProcessor_TransferToValueTarget(t *testing.T) {
	next := &recorder[int]{name: "next"}
	p, err := NewProcessor[int]("handler",
		func(ctx context.Context, jobs []*Job[int]) error { return nil },
		WithBatching[int](4, 10*time.Millisecond),
		WithOnSuccess(func(*Job[int]) Op[int] {
			return TransferTo[int](taggedTarget{rec: next, tags: []string{"x"}})
		}),
		WithProcessorBreaker[int](breaker.Never{}),
		WithProcessorLogger[int](zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	startProcessor(t, p)

	p.Enqueue(1, 2, 3, 4)
	require.Eventually(t, func() bool { return len(next.get()) == 4 }, waitFor, tick)
	assert.Equal(t, []int{1, 2, 3, 4}, next.get())
}

func TestProcessor_ClosesByDefault(t *testing.T) {
	b := &stubBreaker{}
	p, err := NewProcessor[string]("handler",
		func(ctx context.Context, jobs []*Job[string]) error { return nil },
		WithProcessorBreaker[string](b),
	)
	require.NoError(t, err)
	closed := &closedSink[string]{}
	p.OnClosed(closed.add)
	startProcessor(t, p)

	p.Enqueue("a", "b")
	require.Eventually(t, func() bool { return closed.len() == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"a", "b"}, closed.get())
	successes, failures := b.counts()
	assert.Equal(t, 2, successes)
	assert.Equal(t, 0, failures)
}

func TestProcessor_FailureRetriesInstantly(t *testing.T) {
	var calls int32
	b := &stubBreaker{}
	p, err := NewProcessor[string]("handler",
		func(ctx context.Context, jobs []*Job[string]) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
		WithProcessorBreaker[string](b),
	)
	require.NoError(t, err)
	closed := &closedSink[string]{}
	p.OnClosed(closed.add)
	startProcessor(t, p)

	p.Enqueue("a")
	require.Eventually(t, func() bool { return closed.len() == 1 }, waitFor, tick)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	successes, failures := b.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)
}

func TestProcessor_PanicIsFailure(t *testing.T) {
	var calls int32
	p, err := NewProcessor[string]("handler",
		func(ctx context.Context, jobs []*Job[string]) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				panic("bad input")
			}
			return nil
		},
		WithProcessorBreaker[string](breaker.Never{}),
	)
	require.NoError(t, err)
	closed := &closedSink[string]{}
	p.OnClosed(closed.add)
	startProcessor(t, p)

	p.Enqueue("a")
	require.Eventually(t, func() bool { return closed.len() == 1 }, waitFor, tick)
}

func TestProcessor_FailureRoute(t *testing.T) {
	dead := &recorder[string]{name: "dead_letter"}
	cause := errors.New("permanent")
	var seen Result
	var mu sync.Mutex
	p, err := NewProcessor[string]("handler",
		func(ctx context.Context, jobs []*Job[string]) error { return cause },
		WithOnFailure(func(job *Job[string]) Op[string] {
			mu.Lock()
			seen = job.Result()
			mu.Unlock()
			return TransferTo[string](dead)
		}),
		WithProcessorBreaker[string](breaker.Never{}),
	)
	require.NoError(t, err)
	startProcessor(t, p)

	p.Enqueue("a")
	require.Eventually(t, func() bool { return len(dead.get()) == 1 }, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen.IsError())
	assert.Equal(t, cause, seen.Cause())
}

func TestProcessor_RetryPredicate(t *testing.T) {
	dead := &recorder[string]{name: "dead_letter"}
	var calls int32
	p, err := NewProcessor[string]("handler",
		func(ctx context.Context, jobs []*Job[string]) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New("fail")
			}
			return nil
		},
		WithBatching[string](2, time.Millisecond),
		WithRetryPredicate(func(msg string, code string, cause error) bool { return msg == "retry" }),
		WithOnFailure(func(*Job[string]) Op[string] { return TransferTo[string](dead) }),
		WithProcessorBreaker[string](breaker.Never{}),
	)
	require.NoError(t, err)
	closed := &closedSink[string]{}
	p.OnClosed(closed.add)
	p.Enqueue("retry", "drop")
	startProcessor(t, p)

	require.Eventually(t, func() bool { return closed.len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"retry"}, closed.get())
	assert.Equal(t, []string{"drop"}, dead.get())
}

func TestProcessor_PerJobResults(t *testing.T) {
	next := &recorder[int]{name: "next"}
	p, err := NewProcessor[int]("handler",
		func(ctx context.Context, jobs []*Job[int]) error {
			for _, job := range jobs {
				if job.Message%2 == 1 {
					job.SetResult(Failed("odd", nil))
				}
			}
			return nil
		},
		WithBatching[int](4, time.Millisecond),
		WithOnSuccess(func(*Job[int]) Op[int] { return TransferTo[int](next) }),
		WithOnFailure(func(*Job[int]) Op[int] { return Close[int]() }),
		WithProcessorBreaker[int](breaker.Never{}),
	)
	require.NoError(t, err)
	closed := &closedSink[int]{}
	p.OnClosed(closed.add)
	p.Enqueue(1, 2, 3, 4)
	startProcessor(t, p)

	require.Eventually(t, func() bool { return closed.len() == 2 && len(next.get()) == 2 }, waitFor, tick)
	assert.Equal(t, []int{1, 3}, closed.get())
	assert.Equal(t, []int{2, 4}, next.get())
}

func TestProcessor_DelayedRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls int32
	p, err := NewProcessor[string]("handler",
		func(ctx context.Context, jobs []*Job[string]) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New("later")
			}
			return nil
		},
		WithOnFailure(func(*Job[string]) Op[string] { return Retry[string](5 * time.Second) }),
		WithProcessorBreaker[string](breaker.Never{}),
		WithProcessorClock[string](clock),
	)
	require.NoError(t, err)
	closed := &closedSink[string]{}
	p.OnClosed(closed.add)
	startProcessor(t, p)

	p.Enqueue("a")
	// Batch timer ticker and the retry timer.
	clock.BlockUntil(2)
	assert.Equal(t, 0, closed.len())
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return closed.len() == 1 }, waitFor, tick)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProcessor_StopDropsDelayedRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, err := NewProcessor[string]("handler",
		func(ctx context.Context, jobs []*Job[string]) error { return errors.New("later") },
		WithOnFailure(func(*Job[string]) Op[string] { return Retry[string](time.Minute) }),
		WithProcessorBreaker[string](breaker.Never{}),
		WithProcessorClock[string](clock),
	)
	require.NoError(t, err)
	p.Start(context.Background())
	p.Enqueue("a", "b")
	clock.BlockUntil(3)
	assert.EqualError(t, p.Stop(), "processor handler: dropped 2 delayed retries")
}

func TestProcessor_BreakerDelaysWork(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := &stubBreaker{delay: time.Minute, open: true}
	p, err := NewProcessor[string]("handler",
		func(ctx context.Context, jobs []*Job[string]) error { return nil },
		WithProcessorBreaker[string](b),
		WithProcessorClock[string](clock),
	)
	require.NoError(t, err)
	closed := &closedSink[string]{}
	p.OnClosed(closed.add)
	p.Enqueue("a")
	startProcessor(t, p)

	// Batch timer ticker and the breaker delay.
	clock.BlockUntil(2)
	assert.Equal(t, 0, closed.len())
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return closed.len() == 1 }, waitFor, tick)
}

func TestNewProcessor_Invalid(t *testing.T) {
	noop := func(ctx context.Context, jobs []*Job[int]) error { return nil }
	_, err := NewProcessor[int]("", noop)
	assert.Error(t, err)
	_, err = NewProcessor[int]("p", nil)
	assert.Error(t, err)
	_, err = NewProcessor[int]("p", noop, WithWorkers[int](0))
	assert.Error(t, err)
	_, err = NewProcessor[int]("p", noop, WithBatching[int](0, time.Second))
	assert.Error(t, err)
}
