package providers

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// metrics.go
	NewMetricsRegistry,
	// mysql.go
	NewMySQL,
	NewMySQLStore,
	// providers.go
	NewContext,
	NewClock,
	// redis.go
	NewRedis,
	NewRedisKeys,
	// sarama.go
	NewSaramaConfig,
	NewSaramaClient,
	NewSaramaSyncProducer,
	// topology.go
	NewTopologyConfig,
}

func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd runs a one-shot command with its dependencies injected.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Invoke(invoke),
		)
		if err := app.Err(); err != nil {
			Log.Fatal("Failed to build app", zap.Error(err))
		}
	}
}

func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

// NewClock returns the wall clock.
func NewClock() clockwork.Clock {
	return clockwork.NewRealClock()
}
