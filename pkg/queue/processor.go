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

	"go.od2.network/conveyor/pkg/batching"
	"go.od2.network/conveyor/pkg/breaker"
	"go.od2.network/conveyor/pkg/taskrunner"
)

// TransformFunc processes a batch of jobs.
//
// Returning an error fails every job of the batch.
// To fail single jobs, set their result and return nil.
type TransformFunc[T any] func(ctx context.Context, jobs []*Job[T]) error

// RouteFunc decides where a processed job goes next.
type RouteFunc[T any] func(job *Job[T]) Op[T]

// RetryPredicate selects failed messages that go straight back into the queue.
type RetryPredicate[T any] func(msg T, code string, cause error) bool

// Processor batches messages, transforms them and routes the results.
type Processor[T any] struct {
	name      string
	transform TransformFunc[T]
	onSuccess RouteFunc[T]
	onFailure RouteFunc[T]
	retry     RetryPredicate[T]
	breaker   breaker.Breaker
	clock     clockwork.Clock
	observer  Observer[T]
	log       *zap.Logger

	queue   *batching.Queue[T]
	workers *taskrunner.Group
	batcher *taskrunner.Runner

	mu      sync.Mutex
	closed  []func([]T)
	retries map[*pendingRetry]struct{}
	stopped bool
}

type pendingRetry struct {
	timer clockwork.Timer
	count int
}

type processorOptions[T any] struct {
	workers          int
	maxBatchSize     int
	minBatchDuration time.Duration
	onSuccess        RouteFunc[T]
	onFailure        RouteFunc[T]
	retry            RetryPredicate[T]
	breaker          breaker.Breaker
	clock            clockwork.Clock
	observer         Observer[T]
	log              *zap.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption[T any] func(*processorOptions[T])

// WithWorkers sets the number of concurrent workers. Defaults to 1.
func WithWorkers[T any](n int) ProcessorOption[T] {
	return func(o *processorOptions[T]) { o.workers = n }
}

// WithBatching sets the batching thresholds.
// Defaults to batches of one message.
func WithBatching[T any](maxBatchSize int, minBatchDuration time.Duration) ProcessorOption[T] {
	return func(o *processorOptions[T]) {
		o.maxBatchSize = maxBatchSize
		o.minBatchDuration = minBatchDuration
	}
}

// WithOnSuccess sets the route of successful jobs. Defaults to Close.
func WithOnSuccess[T any](fn RouteFunc[T]) ProcessorOption[T] {
	return func(o *processorOptions[T]) { o.onSuccess = fn }
}

// WithOnFailure sets the route of failed jobs. Defaults to InstantRetry.
func WithOnFailure[T any](fn RouteFunc[T]) ProcessorOption[T] {
	return func(o *processorOptions[T]) { o.onFailure = fn }
}

// WithRetryPredicate re-enqueues failed messages selected by fn, bypassing the failure route.
// It only applies when the whole batch failed.
func WithRetryPredicate[T any](fn RetryPredicate[T]) ProcessorOption[T] {
	return func(o *processorOptions[T]) { o.retry = fn }
}

// WithProcessorBreaker sets the circuit breaker. Defaults to breaker.NewDefault.
func WithProcessorBreaker[T any](b breaker.Breaker) ProcessorOption[T] {
	return func(o *processorOptions[T]) { o.breaker = b }
}

// WithProcessorClock sets the clock.
func WithProcessorClock[T any](clock clockwork.Clock) ProcessorOption[T] {
	return func(o *processorOptions[T]) { o.clock = clock }
}

// WithProcessorObserver sets the observer.
func WithProcessorObserver[T any](obs Observer[T]) ProcessorOption[T] {
	return func(o *processorOptions[T]) { o.observer = obs }
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger[T any](log *zap.Logger) ProcessorOption[T] {
	return func(o *processorOptions[T]) { o.log = log }
}

// NewProcessor creates a stopped processor.
func NewProcessor[T any](name string, transform TransformFunc[T], opts ...ProcessorOption[T]) (*Processor[T], error) {
	if name == "" {
		return nil, errors.New("queue: processor name is required")
	}
	if transform == nil {
		return nil, errors.New("queue: transform is required")
	}
	o := processorOptions[T]{
		workers:          1,
		maxBatchSize:     1,
		minBatchDuration: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.onSuccess == nil {
		o.onSuccess = func(*Job[T]) Op[T] { return Close[T]() }
	}
	if o.onFailure == nil {
		o.onFailure = func(*Job[T]) Op[T] { return InstantRetry[T]() }
	}
	if o.retry == nil {
		o.retry = func(T, string, error) bool { return false }
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
	q, err := batching.New[T](o.clock, o.maxBatchSize, o.minBatchDuration)
	if err != nil {
		return nil, fmt.Errorf("processor %s: %w", name, err)
	}
	p := &Processor[T]{
		name:      name,
		transform: transform,
		onSuccess: o.onSuccess,
		onFailure: o.onFailure,
		retry:     o.retry,
		breaker:   o.breaker,
		clock:     o.clock,
		observer:  o.observer,
		log:       o.log.With(zap.String("processor.name", name)),
		queue:     q,
		retries:   make(map[*pendingRetry]struct{}),
	}
	p.workers, err = taskrunner.NewGroup(o.workers, p.work, p.onWorkerError, taskrunner.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("processor %s: %w", name, err)
	}
	p.batcher = taskrunner.New(q.Run, p.onWorkerError, taskrunner.WithClock(o.clock))
	return p, nil
}

// Name returns the processor name.
func (p *Processor[T]) Name() string { return p.name }

// Enqueue adds messages to the batching queue.
func (p *Processor[T]) Enqueue(msgs ...T) {
	p.queue.Enqueue(msgs...)
}

// Len returns the number of queued messages.
func (p *Processor[T]) Len() int {
	return p.queue.Len()
}

// OnClosed registers a handler for messages routed to Close.
func (p *Processor[T]) OnClosed(fn func([]T)) {
	p.mu.Lock()
	p.closed = append(p.closed, fn)
	p.mu.Unlock()
}

// Start launches the workers and the batch timer.
func (p *Processor[T]) Start(ctx context.Context) {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	p.workers.Start(ctx)
	p.batcher.Start(ctx)
}

// Stop stops all workers and drops pending delayed retries.
// The returned error reports how many messages were dropped that way.
func (p *Processor[T]) Stop() error {
	p.workers.Stop()
	p.batcher.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	dropped := 0
	for r := range p.retries {
		if r.timer.Stop() {
			dropped += r.count
		}
		delete(p.retries, r)
	}
	if dropped > 0 {
		return fmt.Errorf("processor %s: dropped %d delayed retries", p.name, dropped)
	}
	return nil
}

func (p *Processor[T]) onWorkerError(err error) {
	p.log.Error("Worker failed", zap.Error(err))
	p.observer.Exception(p.name, err)
}

// work processes one batch.
func (p *Processor[T]) work(ctx context.Context) error {
	if delay, ok := p.breaker.Delay(); ok && delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(delay):
		}
	}
	batch, err := p.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	jobs := newJobs(batch.Items)

	start := p.clock.Now()
	err = p.call(ctx, jobs)
	p.observer.BatchProcessed(p.name, jobs, err, p.clock.Since(start))
	if err == nil {
		p.breaker.OnSuccess()
		p.route(jobs)
		return nil
	}

	for _, job := range jobs {
		job.SetResult(Failed("", err))
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	p.observer.Exception(p.name, err)
	p.breaker.OnFailure()
	p.route(p.retryMatching(jobs))
	return nil
}

func (p *Processor[T]) call(ctx context.Context, jobs []*Job[T]) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = p.transform(ctx, jobs) })
	if rec := pc.Recovered(); rec != nil {
		return rec.AsError()
	}
	return err
}

// retryMatching re-enqueues jobs selected by the retry predicate
// and returns the others.
func (p *Processor[T]) retryMatching(jobs []*Job[T]) []*Job[T] {
	var again []T
	rest := jobs[:0]
	for _, job := range jobs {
		res := job.Result()
		if res.IsError() && p.retry(job.Message, res.Code(), res.Cause()) {
			again = append(again, job.Message)
			continue
		}
		rest = append(rest, job)
	}
	p.queue.Enqueue(again...)
	return rest
}

type route[T any] struct {
	op   Op[T]
	msgs []T
}

// route groups jobs by their Op, preserving order within each group, and dispatches each group.
func (p *Processor[T]) route(jobs []*Job[T]) {
	var routes []route[T]
	index := make(map[opKey]int)
	for _, job := range jobs {
		var op Op[T]
		if job.Result().IsError() {
			op = p.onFailure(job)
		} else {
			op = p.onSuccess(job)
		}
		p.observer.Processed(p.name, job.Message, job.Result(), op)
		i, ok := index[op.key()]
		if !ok {
			i = len(routes)
			index[op.key()] = i
			routes = append(routes, route[T]{op: op})
		}
		routes[i].msgs = append(routes[i].msgs, job.Message)
	}
	for _, r := range routes {
		switch r.op.Kind() {
		case OpClose:
			p.fireClosed(r.msgs)
		case OpRetry:
			if r.op.Delay() == 0 {
				p.queue.Enqueue(r.msgs...)
			} else {
				p.scheduleRetry(r.op.Delay(), r.msgs)
			}
		case OpTransfer:
			r.op.Target().Enqueue(r.msgs...)
		}
	}
}

func (p *Processor[T]) fireClosed(msgs []T) {
	p.mu.Lock()
	handlers := p.closed
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(msgs)
	}
}

func (p *Processor[T]) scheduleRetry(delay time.Duration, msgs []T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.log.Warn("Dropping delayed retry of stopped processor", zap.Int("processor.dropped", len(msgs)))
		return
	}
	r := &pendingRetry{count: len(msgs)}
	p.retries[r] = struct{}{}
	r.timer = p.clock.AfterFunc(delay, func() {
		p.mu.Lock()
		_, ok := p.retries[r]
		delete(p.retries, r)
		p.mu.Unlock()
		if ok {
			p.queue.Enqueue(msgs...)
		}
	})
}
