package queue

import (
	"sync"
	"time"
)

// recorder is a Target collecting everything enqueued into it.
type recorder[T any] struct {
	name string

	mu   sync.Mutex
	msgs []T
}

func (r *recorder[T]) Name() string { return r.name }

func (r *recorder[T]) Enqueue(msgs ...T) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msgs...)
	r.mu.Unlock()
}

func (r *recorder[T]) get() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.msgs...)
}

// taggedTarget is a Target of a non-comparable type.
type taggedTarget struct {
	rec  *recorder[int]
	tags []string
}

func (t taggedTarget) Name() string        { return t.rec.Name() }
func (t taggedTarget) Enqueue(msgs ...int) { t.rec.Enqueue(msgs...) }

// closedSink collects closed messages.
type closedSink[T any] struct {
	mu   sync.Mutex
	msgs []T
}

func (c *closedSink[T]) add(msgs []T) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msgs...)
	c.mu.Unlock()
}

func (c *closedSink[T]) get() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.msgs...)
}

func (c *closedSink[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// stubBreaker counts outcomes and returns a fixed delay.
type stubBreaker struct {
	mu        sync.Mutex
	delay     time.Duration
	open      bool
	successes int
	failures  int
}

func (s *stubBreaker) OnSuccess() {
	s.mu.Lock()
	s.successes++
	s.mu.Unlock()
}

func (s *stubBreaker) OnFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func (s *stubBreaker) Delay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay, s.open
}

func (s *stubBreaker) counts() (successes, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes, s.failures
}

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)
