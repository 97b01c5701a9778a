// Package limiter pauses intake while too many messages are in flight.
package limiter

import (
	"context"
	"errors"
	"math"
	"sync"
)

// Unbounded is the limit of a limiter that never closes its gate.
const Unbounded = math.MaxInt

// ErrLimit is returned for a limit smaller than one.
var ErrLimit = errors.New("limiter: limit must be at least 1")

// Limiter tracks an inflight count against a limit.
//
// While count >= limit, Wait blocks.
// Once the count drops below the limit all blocked callers are released at once,
// so the limit may be overshot briefly right after a release.
type Limiter struct {
	limit int

	mu    sync.Mutex
	count int
	gate  chan struct{} // non-nil while enabled, closed on release
}

// New creates a limiter.
func New(limit int) (*Limiter, error) {
	if limit < 1 {
		return nil, ErrLimit
	}
	return &Limiter{limit: limit}, nil
}

// Limit returns the configured limit.
func (l *Limiter) Limit() int {
	return l.limit
}

// OnReceived adds n to the inflight count.
func (l *Limiter) OnReceived(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count += n
	l.update()
}

// OnClosed subtracts n from the inflight count.
func (l *Limiter) OnClosed(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count -= n
	l.update()
}

// Set replaces the inflight count.
func (l *Limiter) Set(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count = count
	l.update()
}

// Count returns the inflight count.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Enabled reports whether the gate is closed.
func (l *Limiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gate != nil
}

// Wait blocks until the inflight count is below the limit or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) update() {
	switch {
	case l.count >= l.limit && l.gate == nil:
		l.gate = make(chan struct{})
	case l.count < l.limit && l.gate != nil:
		close(l.gate)
		l.gate = nil
	}
}
