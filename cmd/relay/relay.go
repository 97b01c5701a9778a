// Package relay runs the reference pipelines as commands.
package relay

import (
	"context"

	"github.com/Shopify/sarama"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.od2.network/conveyor/pkg/kafkasink"
	"go.od2.network/conveyor/pkg/observe"
	"go.od2.network/conveyor/pkg/queue"
	"go.od2.network/conveyor/pkg/relay"
	"go.od2.network/conveyor/pkg/topology"
)

// Cmds are the relay sub-commands.
var Cmds = []*cobra.Command{&mysqlCmd, &redisCmd}

type relayIn struct {
	fx.In

	Context   context.Context
	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Log       *zap.Logger
	Clock     clockwork.Clock
	Topology  *topology.Config
	Producer  sarama.SyncProducer
	Registry  prometheus.Registerer
}

// newObserver logs and counts pipeline events.
func newObserver[T any](in relayIn, describe func(T) zap.Field) (queue.Observer[T], error) {
	m, err := observe.NewMetrics[T]("conveyor", in.Registry)
	if err != nil {
		return nil, err
	}
	return observe.Multi[T]{
		&observe.Zap[T]{Log: in.Log, Describe: describe},
		m,
	}, nil
}

// start builds a relay and hooks it into the app lifecycle.
func start[T any](in relayIn, name string, src relay.Source[T], encode kafkasink.EncodeFunc[T], describe func(T) zap.Field) error {
	obs, err := newObserver[T](in, describe)
	if err != nil {
		return err
	}
	sink := &kafkasink.Sink[T]{
		Producer: in.Producer,
		Topic:    in.Topology.Relay.Topic,
		Encode:   encode,
	}
	r, err := relay.New(relay.Params[T]{
		Name:     name,
		Source:   src,
		Publish:  sink.Publish,
		Topology: in.Topology,
		Clock:    in.Clock,
		Log:      in.Log,
		Observer: obs,
	})
	if err != nil {
		return err
	}
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			in.Log.Info("Starting relay",
				zap.String("relay.name", name),
				zap.String("relay.topic", sink.Topic))
			return r.Start(in.Context)
		},
		OnStop: func(_ context.Context) error {
			in.Log.Info("Stopping relay", zap.String("relay.name", name))
			return r.Stop()
		},
	})
	return nil
}
