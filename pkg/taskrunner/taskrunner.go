// Package taskrunner supervises long-running loops.
//
// A Runner calls its function over and over until stopped.
// Errors and panics are reported and followed by a restart delay,
// so a crashing loop never permanently loses its goroutine.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// RestartDelay is the pause after a failed run.
const RestartDelay = time.Second

// Func is a cooperative loop body. It must return once ctx is done.
type Func func(ctx context.Context) error

// ErrorFunc receives errors returned by a Func.
type ErrorFunc func(err error)

// ErrConcurrency is returned for a concurrency smaller than one.
var ErrConcurrency = errors.New("taskrunner: concurrency must be at least 1")

// Option configures a Runner or Group.
type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock sets the clock used for restart delays.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Runner runs a Func in a loop on a single goroutine.
type Runner struct {
	fn      Func
	onError ErrorFunc
	clock   clockwork.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped runner. onError may be nil.
func New(fn Func, onError ErrorFunc, opts ...Option) *Runner {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Runner{fn: fn, onError: onError, clock: o.clock}
}

// Start launches the loop. Calling Start on a running runner does nothing.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop cancels the loop and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		err := r.call(ctx)
		if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
			return
		}
		if err == nil {
			continue
		}
		r.onError(err)
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(RestartDelay):
		}
	}
}

func (r *Runner) call(ctx context.Context) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = r.fn(ctx) })
	if rec := pc.Recovered(); rec != nil {
		return fmt.Errorf("taskrunner: %w", rec.AsError())
	}
	return err
}

// Group runs the same Func on several independent runners.
type Group struct {
	runners []*Runner
}

// NewGroup creates a stopped group of concurrency runners.
func NewGroup(concurrency int, fn Func, onError ErrorFunc, opts ...Option) (*Group, error) {
	if concurrency < 1 {
		return nil, ErrConcurrency
	}
	g := &Group{runners: make([]*Runner, concurrency)}
	for i := range g.runners {
		g.runners[i] = New(fn, onError, opts...)
	}
	return g, nil
}

// Len returns the number of runners.
func (g *Group) Len() int {
	return len(g.runners)
}

// Start launches all runners.
func (g *Group) Start(ctx context.Context) {
	for _, r := range g.runners {
		r.Start(ctx)
	}
}

// Stop cancels all runners and waits until every one of them exited.
func (g *Group) Stop() {
	p := pool.New()
	for _, r := range g.runners {
		p.Go(r.Stop)
	}
	p.Wait()
}
