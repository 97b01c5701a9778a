package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"go.od2.network/conveyor/pkg/breaker"
	"go.od2.network/conveyor/pkg/limiter"
	"go.od2.network/conveyor/pkg/polling"
	"go.od2.network/conveyor/pkg/taskrunner"
)

// FetchFunc pulls the next batch of messages from a source.
// It must be safe for concurrent use when the receiver runs more than one poller.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// Receiver polls a source and emits the received batches.
type Receiver[T any] struct {
	name     string
	fetch    FetchFunc[T]
	polling  polling.Strategy
	breaker  breaker.Breaker
	limiter  *limiter.Limiter
	clock    clockwork.Clock
	observer Observer[T]
	log      *zap.Logger
	pollers  *taskrunner.Group

	mu       sync.Mutex
	handlers []func([]T)
}

type receiverOptions[T any] struct {
	concurrency   int
	polling       polling.Strategy
	breaker       breaker.Breaker
	inflightLimit int
	clock         clockwork.Clock
	observer      Observer[T]
	log           *zap.Logger
}

// ReceiverOption configures a Receiver.
type ReceiverOption[T any] func(*receiverOptions[T])

// WithConcurrency sets the number of concurrent pollers. Defaults to 1.
func WithConcurrency[T any](n int) ReceiverOption[T] {
	return func(o *receiverOptions[T]) { o.concurrency = n }
}

// WithPolling sets the polling strategy.
// Defaults to one randomized poll per second.
func WithPolling[T any](s polling.Strategy) ReceiverOption[T] {
	return func(o *receiverOptions[T]) { o.polling = s }
}

// WithBreaker sets the circuit breaker. Defaults to breaker.NewDefault.
func WithBreaker[T any](b breaker.Breaker) ReceiverOption[T] {
	return func(o *receiverOptions[T]) { o.breaker = b }
}

// WithInflightLimit pauses polling while at least n messages are in flight.
// Defaults to limiter.Unbounded.
func WithInflightLimit[T any](n int) ReceiverOption[T] {
	return func(o *receiverOptions[T]) { o.inflightLimit = n }
}

// WithReceiverClock sets the clock.
func WithReceiverClock[T any](clock clockwork.Clock) ReceiverOption[T] {
	return func(o *receiverOptions[T]) { o.clock = clock }
}

// WithReceiverObserver sets the observer.
func WithReceiverObserver[T any](obs Observer[T]) ReceiverOption[T] {
	return func(o *receiverOptions[T]) { o.observer = obs }
}

// WithReceiverLogger sets the logger.
func WithReceiverLogger[T any](log *zap.Logger) ReceiverOption[T] {
	return func(o *receiverOptions[T]) { o.log = log }
}

// NewReceiver creates a stopped receiver.
func NewReceiver[T any](name string, fetch FetchFunc[T], opts ...ReceiverOption[T]) (*Receiver[T], error) {
	if name == "" {
		return nil, errors.New("queue: receiver name is required")
	}
	if fetch == nil {
		return nil, errors.New("queue: fetch is required")
	}
	o := receiverOptions[T]{
		concurrency:   1,
		inflightLimit: limiter.Unbounded,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.polling == nil {
		s, err := polling.NewConstantRateRandom(o.clock, time.Second, polling.NoRepeatLimit)
		if err != nil {
			return nil, err
		}
		o.polling = s
	}
	if o.breaker == nil {
		o.breaker = breaker.NewDefault(o.clock)
	}
	if o.observer == nil {
		o.observer = NopObserver[T]{}
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	lim, err := limiter.New(o.inflightLimit)
	if err != nil {
		return nil, fmt.Errorf("receiver %s: %w", name, err)
	}
	r := &Receiver[T]{
		name:     name,
		fetch:    fetch,
		polling:  o.polling,
		breaker:  o.breaker,
		limiter:  lim,
		clock:    o.clock,
		observer: o.observer,
		log:      o.log.With(zap.String("receiver.name", name)),
	}
	r.pollers, err = taskrunner.NewGroup(o.concurrency, r.poll, r.onPollerError, taskrunner.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("receiver %s: %w", name, err)
	}
	return r, nil
}

// Name returns the receiver name.
func (r *Receiver[T]) Name() string { return r.name }

// OnReceived registers a handler for received batches.
func (r *Receiver[T]) OnReceived(fn func([]T)) {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
}

// OnInflightCountChanged updates the backpressure gate.
func (r *Receiver[T]) OnInflightCountChanged(count int) {
	r.limiter.Set(count)
}

// Paused reports whether the inflight limit is reached.
func (r *Receiver[T]) Paused() bool {
	return r.limiter.Enabled()
}

// Start launches the pollers.
func (r *Receiver[T]) Start(ctx context.Context) {
	r.pollers.Start(ctx)
}

// Stop stops the pollers and waits for them to exit.
func (r *Receiver[T]) Stop() {
	r.pollers.Stop()
}

func (r *Receiver[T]) onPollerError(err error) {
	r.log.Error("Poller failed", zap.Error(err))
	r.observer.Exception(r.name, err)
}

// poll runs a single poller until ctx is done.
func (r *Receiver[T]) poll(ctx context.Context) error {
	previousBatchSize := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delay, ok := r.breaker.Delay()
		if !ok {
			delay = r.polling.Delay(previousBatchSize)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(delay):
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		msgs, err := r.call(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return err
			}
			r.breaker.OnFailure()
			r.log.Warn("Fetch failed", zap.Error(err))
			r.observer.Exception(r.name, err)
			continue
		}
		if len(msgs) > 0 {
			r.observer.Received(r.name, msgs)
			r.emit(msgs)
		}
		r.breaker.OnSuccess()
		previousBatchSize = len(msgs)
	}
}

func (r *Receiver[T]) call(ctx context.Context) (msgs []T, err error) {
	var pc panics.Catcher
	pc.Try(func() { msgs, err = r.fetch(ctx) })
	if rec := pc.Recovered(); rec != nil {
		return nil, rec.AsError()
	}
	return msgs, err
}

func (r *Receiver[T]) emit(msgs []T) {
	r.mu.Lock()
	handlers := r.handlers
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(msgs)
	}
}
