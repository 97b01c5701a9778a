package queue

import "time"

// Observer receives observability hooks from receivers and processors.
// Implementations must be safe for concurrent use.
type Observer[T any] interface {
	// Received is called for every non-empty batch fetched by a receiver.
	Received(component string, msgs []T)
	// Processed is called for every message after routing was decided.
	Processed(component string, msg T, result Result, op Op[T])
	// BatchProcessed is called once per transform call.
	BatchProcessed(component string, jobs []*Job[T], err error, elapsed time.Duration)
	// Exception is called for errors not tied to a single message.
	Exception(component string, err error)
}

// NopObserver discards all hooks.
type NopObserver[T any] struct{}

func (NopObserver[T]) Received(string, []T)                                   {}
func (NopObserver[T]) Processed(string, T, Result, Op[T])                     {}
func (NopObserver[T]) BatchProcessed(string, []*Job[T], error, time.Duration) {}
func (NopObserver[T]) Exception(string, error)                                {}
