package admin_tool

import (
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.od2.network/conveyor/cmd/providers"
	"go.od2.network/conveyor/pkg/appctx"
	"go.od2.network/conveyor/pkg/redisqueue"
)

var enqueueRedisCmd = cobra.Command{
	Use:   "enqueue-redis <task_id>...",
	Short: "Push task IDs onto the Redis queue",
	Args:  cobra.MinimumNArgs(1),
	Run:   providers.NewCmd(runEnqueueRedis),
}

var statsRedisCmd = cobra.Command{
	Use:   "stats-redis",
	Short: "Count pending, inflight and dead Redis tasks",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runStatsRedis),
}

func init() {
	Cmd.AddCommand(&enqueueRedisCmd, &statsRedisCmd)
}

func runEnqueueRedis(args []string, log *zap.Logger, rd *redis.Client, keys redisqueue.Keys) {
	producer := &redisqueue.Producer{Redis: rd, Keys: keys}
	if err := producer.Push(appctx.Context(), args...); err != nil {
		log.Fatal("Failed to push tasks", zap.Error(err))
	}
	log.Info("Pushed tasks", zap.Int("count", len(args)))
}

func runStatsRedis(rd *redis.Client, keys redisqueue.Keys) {
	ctx := appctx.Context()
	pipe := rd.Pipeline()
	pending := pipe.SCard(ctx, keys.PendingSet)
	inflight := pipe.HLen(ctx, keys.InflightHash)
	dead := pipe.SCard(ctx, keys.DeadSet)
	if _, err := pipe.Exec(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to query Redis:", err)
		os.Exit(1)
	}
	fmt.Printf("pending: %d\ninflight: %d\ndead: %d\n", pending.Val(), inflight.Val(), dead.Val())
}
