package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
)

// RouterFunc picks the first stage of a received message.
// It must not have side effects.
type RouterFunc[T any] func(msg T) Target[T]

// Service connects a receiver to its processors and tracks the inflight count.
//
// A message is in flight from being received until a processor closes it.
type Service[T any] struct {
	receiver   *Receiver[T]
	router     RouterFunc[T]
	processors []*Processor[T]

	mu       sync.Mutex
	inflight int
	running  bool
}

// NewService wires receiver and processors.
func NewService[T any](receiver *Receiver[T], router RouterFunc[T], processors ...*Processor[T]) (*Service[T], error) {
	if receiver == nil {
		return nil, errors.New("queue: receiver is required")
	}
	if router == nil {
		return nil, errors.New("queue: router is required")
	}
	if len(processors) == 0 {
		return nil, errors.New("queue: at least one processor is required")
	}
	s := &Service[T]{
		receiver:   receiver,
		router:     router,
		processors: processors,
	}
	receiver.OnReceived(s.onReceived)
	for _, p := range processors {
		p.OnClosed(s.onClosed)
	}
	return s, nil
}

// Inflight returns the number of messages received but not yet closed.
func (s *Service[T]) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Start starts the processors, then the receiver.
func (s *Service[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("queue: service already running")
	}
	s.running = true
	s.mu.Unlock()
	for _, p := range s.processors {
		p.Start(ctx)
	}
	s.receiver.Start(ctx)
	return nil
}

// Stop stops the receiver, then the processors.
func (s *Service[T]) Stop() error {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return nil
	}
	s.receiver.Stop()
	var err error
	for _, p := range s.processors {
		err = multierr.Append(err, p.Stop())
	}
	return err
}

func (s *Service[T]) onReceived(msgs []T) {
	s.add(len(msgs))

	var targets []Target[T]
	var groups [][]T
	index := make(map[any]int)
	var unrouted []T
	for _, msg := range msgs {
		target := s.router(msg)
		if target == nil {
			unrouted = append(unrouted, msg)
			continue
		}
		key := targetKey(target)
		i, ok := index[key]
		if !ok {
			i = len(targets)
			index[key] = i
			targets = append(targets, target)
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], msg)
	}
	for i, target := range targets {
		target.Enqueue(groups[i]...)
	}
	if len(unrouted) > 0 {
		s.onClosed(unrouted)
	}
}

func (s *Service[T]) onClosed(msgs []T) {
	s.add(-len(msgs))
}

// add changes the inflight count and notifies the receiver while holding the lock,
// so that the receiver never sees counts out of order.
func (s *Service[T]) add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight += n
	s.receiver.OnInflightCountChanged(s.inflight)
}
