package observe

import (
	"time"

	"go.uber.org/zap"

	"go.od2.network/conveyor/pkg/queue"
)

// Zap logs hooks.
// Per-message events go to Debug, exceptions to Error.
type Zap[T any] struct {
	Log *zap.Logger
	// Describe renders a message as a log field. Optional.
	Describe func(msg T) zap.Field
}

// Received implements queue.Observer.
func (z *Zap[T]) Received(component string, msgs []T) {
	z.Log.Debug("Received messages",
		zap.String("component", component),
		zap.Int("receiver.batch_size", len(msgs)))
}

// Processed implements queue.Observer.
func (z *Zap[T]) Processed(component string, msg T, result queue.Result, op queue.Op[T]) {
	if ce := z.Log.Check(zap.DebugLevel, "Processed message"); ce != nil {
		fields := []zap.Field{
			zap.String("component", component),
			zap.Stringer("result", result),
			zap.Stringer("op", op),
		}
		if z.Describe != nil {
			fields = append(fields, z.Describe(msg))
		}
		if cause := result.Cause(); cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		ce.Write(fields...)
	}
}

// BatchProcessed implements queue.Observer.
func (z *Zap[T]) BatchProcessed(component string, jobs []*queue.Job[T], err error, elapsed time.Duration) {
	z.Log.Debug("Processed batch",
		zap.String("component", component),
		zap.Int("processor.batch_size", len(jobs)),
		zap.Duration("processor.elapsed", elapsed),
		zap.Error(err))
}

// Exception implements queue.Observer.
func (z *Zap[T]) Exception(component string, err error) {
	z.Log.Error("Exception", zap.String("component", component), zap.Error(err))
}
