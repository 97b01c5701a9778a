// Package observe provides queue.Observer sinks for logs and metrics.
package observe

import (
	"time"

	"go.od2.network/conveyor/pkg/queue"
)

// Multi fans out hooks to several observers.
type Multi[T any] []queue.Observer[T]

// Received implements queue.Observer.
func (m Multi[T]) Received(component string, msgs []T) {
	for _, o := range m {
		o.Received(component, msgs)
	}
}

// Processed implements queue.Observer.
func (m Multi[T]) Processed(component string, msg T, result queue.Result, op queue.Op[T]) {
	for _, o := range m {
		o.Processed(component, msg, result, op)
	}
}

// BatchProcessed implements queue.Observer.
func (m Multi[T]) BatchProcessed(component string, jobs []*queue.Job[T], err error, elapsed time.Duration) {
	for _, o := range m {
		o.BatchProcessed(component, jobs, err, elapsed)
	}
}

// Exception implements queue.Observer.
func (m Multi[T]) Exception(component string, err error) {
	for _, o := range m {
		o.Exception(component, err)
	}
}
