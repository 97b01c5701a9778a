package relay

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.od2.network/conveyor/cmd/providers"
	"go.od2.network/conveyor/pkg/redisqueue"
	"go.od2.network/conveyor/pkg/relay"
	"go.od2.network/conveyor/pkg/taskrunner"
)

var redisCmd = cobra.Command{
	Use:   "redis-relay",
	Short: "Relay tasks from a Redis queue to Kafka.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(providers.ServeMetrics, RunRedis))
		app.Run()
	},
}

type redisIn struct {
	fx.In

	Redis *redis.Client
	Keys  redisqueue.Keys
}

// RunRedis wires the Redis relay and its expiration worker.
func RunRedis(in relayIn, r redisIn) error {
	consumers := &redisqueue.Consumers{
		Redis: r.Redis,
		Keys:  r.Keys,
		TTL:   in.Topology.Receiver.LockTimeout,
		Clock: in.Clock,
	}
	expirer := &redisqueue.ExpirationWorker{
		Log:          in.Log.Named("expire"),
		Redis:        r.Redis,
		Clock:        in.Clock,
		Keys:         r.Keys,
		EmptyBackoff: in.Topology.Relay.EmptyBackoff,
		BatchSize:    in.Topology.Relay.ExpireBatch,
	}
	runner := taskrunner.New(expirer.Run, func(err error) {
		in.Log.Error("Expiration worker failed", zap.Error(err))
	}, taskrunner.WithClock(in.Clock))
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			runner.Start(in.Context)
			return nil
		},
		OnStop: func(_ context.Context) error {
			runner.Stop()
			return nil
		},
	})
	src := &relay.Redis{
		Consumers:  consumers,
		Claimer:    in.Topology.Relay.Claimer,
		FetchBatch: in.Topology.Receiver.FetchBatch,
	}
	return start[*redisqueue.Task](in, "redis", src, encodeRedis, func(task *redisqueue.Task) zap.Field {
		return zap.String("redis.task_id", task.ID)
	})
}

func encodeRedis(task *redisqueue.Task) ([]byte, []byte, error) {
	return []byte(task.ID), []byte(task.ID), nil
}
