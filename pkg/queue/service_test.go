package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.od2.network/conveyor/pkg/breaker"
	"go.od2.network/conveyor/pkg/polling"
)

// sliceSource hands out items in batches of up to n.
type sliceSource struct {
	mu    sync.Mutex
	items []int
	n     int
}

func (s *sliceSource) fetch(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.n
	if n > len(s.items) {
		n = len(s.items)
	}
	batch := append([]int(nil), s.items[:n]...)
	s.items = s.items[n:]
	return batch, nil
}

func newTestReceiver(t *testing.T, src *sliceSource, opts ...ReceiverOption[int]) *Receiver[int] {
	t.Helper()
	strategy, err := polling.NewUniformRandom(time.Millisecond, time.Millisecond, src.n)
	require.NoError(t, err)
	opts = append([]ReceiverOption[int]{
		WithPolling[int](strategy),
		WithBreaker[int](breaker.Never{}),
	}, opts...)
	r, err := NewReceiver[int]("source", src.fetch, opts...)
	require.NoError(t, err)
	return r
}

func TestService_Pipeline(t *testing.T) {
	src := &sliceSource{n: 3}
	for i := 0; i < 20; i++ {
		src.items = append(src.items, i)
	}
	receiver := newTestReceiver(t, src)

	remover, err := NewProcessor[int]("remover",
		func(ctx context.Context, jobs []*Job[int]) error { return nil },
		WithBatching[int](5, time.Millisecond),
		WithProcessorBreaker[int](breaker.Never{}),
	)
	require.NoError(t, err)
	removed := &closedSink[int]{}
	remover.OnClosed(removed.add)

	handler, err := NewProcessor[int]("handler",
		func(ctx context.Context, jobs []*Job[int]) error { return nil },
		WithWorkers[int](2),
		WithBatching[int](4, time.Millisecond),
		WithOnSuccess(func(*Job[int]) Op[int] { return TransferTo[int](remover) }),
		WithProcessorBreaker[int](breaker.Never{}),
	)
	require.NoError(t, err)

	svc, err := NewService(receiver, func(int) Target[int] { return handler }, handler, remover)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool { return removed.len() == 20 }, waitFor, tick)
	require.Eventually(t, func() bool { return svc.Inflight() == 0 }, waitFor, tick)
	assert.NoError(t, svc.Stop())
	assert.NoError(t, svc.Stop())

	got := removed.get()
	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.ElementsMatch(t, expected, got)
}

func TestService_Backpressure(t *testing.T) {
	src := &sliceSource{n: 2}
	for i := 0; i < 10; i++ {
		src.items = append(src.items, i)
	}
	receiver := newTestReceiver(t, src, WithInflightLimit[int](4))

	release := make(chan struct{})
	handler, err := NewProcessor[int]("handler",
		func(ctx context.Context, jobs []*Job[int]) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		WithBatching[int](1, time.Millisecond),
		WithProcessorBreaker[int](breaker.Never{}),
	)
	require.NoError(t, err)
	closed := &closedSink[int]{}
	handler.OnClosed(closed.add)

	svc, err := NewService(receiver, func(int) Target[int] { return handler }, handler)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	require.Eventually(t, receiver.Paused, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, svc.Inflight())

	close(release)
	require.Eventually(t, func() bool { return closed.len() == 10 }, waitFor, tick)
	require.Eventually(t, func() bool { return svc.Inflight() == 0 }, waitFor, tick)
	assert.False(t, receiver.Paused())
}

func TestService_UnroutedMessagesAreClosed(t *testing.T) {
	src := &sliceSource{n: 2, items: []int{1, 2}}
	receiver := newTestReceiver(t, src)
	handler, err := NewProcessor[int]("handler",
		func(ctx context.Context, jobs []*Job[int]) error { return nil },
		WithProcessorBreaker[int](breaker.Never{}),
	)
	require.NoError(t, err)
	svc, err := NewService(receiver, func(int) Target[int] { return nil }, handler)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.items) == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool { return svc.Inflight() == 0 }, waitFor, tick)
}

func TestService_RoutesToValueTarget(t *testing.T) {
	src := &sliceSource{n: 2, items: []int{1, 2, 3, 4}}
	receiver := newTestReceiver(t, src)
	handler, err := NewProcessor[int]("handler",
		func(ctx context.Context, jobs []*Job[int]) error { return nil },
		WithProcessorBreaker[int](breaker.Never{}),
	)
	require.NoError(t, err)
	first := &recorder[int]{name: "first"}
	svc, err := NewService(receiver, func(int) Target[int] {
		return taggedTarget{rec: first, tags: []string{"x"}}
	}, handler)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	require.Eventually(t, func() bool { return len(first.get()) == 4 }, waitFor, tick)
	assert.Equal(t, []int{1, 2, 3, 4}, first.get())
	assert.Equal(t, 4, svc.Inflight())
}

func TestNewService_Invalid(t *testing.T) {
	src := &sliceSource{n: 1}
	receiver := newTestReceiver(t, src)
	router := func(int) Target[int] { return nil }
	_, err := NewService[int](nil, router)
	assert.Error(t, err)
	_, err = NewService(receiver, nil)
	assert.Error(t, err)
	_, err = NewService(receiver, router)
	assert.Error(t, err)
}
