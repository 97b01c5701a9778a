// Package relay assembles the reference pipeline:
// messages are received from a store, published by a handler,
// and removed from the store afterwards.
//
// A failing message is left in the store for redelivery until it was received
// MaxReceives times, then it is archived to the dead letter store and removed.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"go.od2.network/conveyor/pkg/queue"
	"go.od2.network/conveyor/pkg/topology"
)

// Source is a message store with a visibility timeout.
type Source[T any] interface {
	// Fetch receives a batch of messages, hiding them from other consumers.
	Fetch(ctx context.Context) ([]T, error)
	// Remove deletes finished messages.
	Remove(ctx context.Context, msgs []T) error
	// Archive copies messages to the dead letter store.
	Archive(ctx context.Context, msgs []T) error
	// ReceivedCount returns the number of deliveries of a message.
	ReceivedCount(msg T) int
}

// Params holds the relay dependencies.
type Params[T any] struct {
	Name     string
	Source   Source[T]
	Publish  queue.TransformFunc[T]
	Topology *topology.Config
	Clock    clockwork.Clock
	Log      *zap.Logger
	Observer queue.Observer[T]
}

// Relay is a running pipeline.
type Relay[T any] struct {
	*queue.Service[T]
	Receiver *queue.Receiver[T]
	Handler  *queue.Processor[T]
	Archiver *queue.Processor[T]
	Remover  *queue.Processor[T]
}

// New builds a stopped relay.
func New[T any](p Params[T]) (*Relay[T], error) {
	if p.Source == nil || p.Publish == nil || p.Topology == nil {
		return nil, errors.New("relay: source, publish and topology are required")
	}
	if p.Name == "" {
		p.Name = "relay"
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.Observer == nil {
		p.Observer = queue.NopObserver[T]{}
	}
	topo := p.Topology
	r := new(Relay[T])

	var err error
	r.Remover, err = newStage(p, "remover", &topo.Remover,
		func(ctx context.Context, jobs []*queue.Job[T]) error {
			return p.Source.Remove(ctx, messages(jobs))
		})
	if err != nil {
		return nil, err
	}
	r.Archiver, err = newStage(p, "archiver", &topo.Archiver,
		func(ctx context.Context, jobs []*queue.Job[T]) error {
			return p.Source.Archive(ctx, messages(jobs))
		},
		queue.WithOnSuccess(func(*queue.Job[T]) queue.Op[T] { return queue.TransferTo[T](r.Remover) }))
	if err != nil {
		return nil, err
	}
	maxReceives := topo.Relay.MaxReceives
	r.Handler, err = newStage(p, "handler", &topo.Handler, p.Publish,
		queue.WithOnSuccess(func(*queue.Job[T]) queue.Op[T] { return queue.TransferTo[T](r.Remover) }),
		queue.WithOnFailure(func(job *queue.Job[T]) queue.Op[T] {
			if p.Source.ReceivedCount(job.Message) < maxReceives {
				return queue.Close[T]()
			}
			return queue.TransferTo[T](r.Archiver)
		}))
	if err != nil {
		return nil, err
	}

	ropts, err := topology.ReceiverOptions[T](&topo.Receiver, p.Clock)
	if err != nil {
		return nil, err
	}
	ropts = append(ropts,
		queue.WithReceiverObserver[T](p.Observer),
		queue.WithReceiverLogger[T](p.Log))
	r.Receiver, err = queue.NewReceiver[T](p.Name+".receiver", p.Source.Fetch, ropts...)
	if err != nil {
		return nil, err
	}
	r.Service, err = queue.NewService(r.Receiver,
		func(T) queue.Target[T] { return r.Handler },
		r.Handler, r.Archiver, r.Remover)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func newStage[T any](
	p Params[T],
	name string,
	stage *topology.Stage,
	transform queue.TransformFunc[T],
	extra ...queue.ProcessorOption[T],
) (*queue.Processor[T], error) {
	opts, err := topology.ProcessorOptions[T](stage, p.Clock)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	opts = append(opts,
		queue.WithProcessorObserver[T](p.Observer),
		queue.WithProcessorLogger[T](p.Log))
	opts = append(opts, extra...)
	return queue.NewProcessor[T](p.Name+"."+name, transform, opts...)
}

func messages[T any](jobs []*queue.Job[T]) []T {
	msgs := make([]T, len(jobs))
	for i, job := range jobs {
		msgs[i] = job.Message
	}
	return msgs
}
