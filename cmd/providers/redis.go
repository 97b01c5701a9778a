package providers

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.od2.network/conveyor/pkg/redisqueue"
	"go.od2.network/conveyor/pkg/topology"
)

const (
	ConfRedisNetwork        = "redis.network"
	ConfRedisAddr           = "redis.addr"
	ConfRedisDB             = "redis.db"
	ConfRedisConnectTimeout = "redis.connect_timeout"
)

func init() {
	viper.SetDefault(ConfRedisNetwork, "tcp")
	viper.SetDefault(ConfRedisAddr, "localhost:6379")
	viper.SetDefault(ConfRedisDB, 0)
	viper.SetDefault(ConfRedisConnectTimeout, 30*time.Second)
}

func NewRedis(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (*redis.Client, error) {
	redisOpts := &redis.Options{
		Network: viper.GetString(ConfRedisNetwork),
		Addr:    viper.GetString(ConfRedisAddr),
		DB:      viper.GetInt(ConfRedisDB),
	}
	log.Info("Connecting to Redis",
		zap.String(ConfRedisNetwork, redisOpts.Network),
		zap.String(ConfRedisAddr, redisOpts.Addr),
		zap.Int(ConfRedisDB, redisOpts.DB))
	rd := redis.NewClient(redisOpts)
	ping := func(ctx context.Context) error { return rd.Ping(ctx).Err() }
	if err := pingWithBackoff(ctx, log, viper.GetDuration(ConfRedisConnectTimeout), ping); err != nil {
		_ = rd.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing Redis client")
			err := rd.Close()
			if err != nil {
				log.Error("Failed to close Redis client", zap.Error(err))
			}
			return err
		},
	})
	return rd, nil
}

// NewRedisKeys returns the queue keys for the configured prefix.
func NewRedisKeys(topo *topology.Config) redisqueue.Keys {
	return redisqueue.KeysForPrefix(topo.Relay.KeyPrefix)
}
