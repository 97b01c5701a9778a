package admin_tool

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.od2.network/conveyor/cmd/providers"
	"go.od2.network/conveyor/pkg/appctx"
	"go.od2.network/conveyor/pkg/mysqlqueue"
)

var initMySQLCmd = cobra.Command{
	Use:   "init-mysql",
	Short: "Create MySQL queue tables",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runInitMySQL),
}

var enqueueMySQLCmd = cobra.Command{
	Use:   "enqueue-mysql <payload>...",
	Short: "Insert messages into the MySQL queue",
	Args:  cobra.MinimumNArgs(1),
	Run:   providers.NewCmd(runEnqueueMySQL),
}

var statsMySQLCmd = cobra.Command{
	Use:   "stats-mysql",
	Short: "Count queued and dead-lettered MySQL messages",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runStatsMySQL),
}

func init() {
	Cmd.AddCommand(&initMySQLCmd, &enqueueMySQLCmd, &statsMySQLCmd)
}

func runInitMySQL(log *zap.Logger, store *mysqlqueue.Store) {
	if err := store.CreateTables(appctx.Context()); err != nil {
		log.Fatal("Failed to create tables", zap.Error(err))
	}
	log.Info("Created tables",
		zap.String("mysql.queue_table", store.QueueTable),
		zap.String("mysql.dead_letter_table", store.DeadLetterTable))
}

func runEnqueueMySQL(args []string, log *zap.Logger, store *mysqlqueue.Store) {
	if err := store.Enqueue(appctx.Context(), args...); err != nil {
		log.Fatal("Failed to enqueue", zap.Error(err))
	}
	log.Info("Enqueued messages", zap.Int("count", len(args)))
}

func runStatsMySQL(store *mysqlqueue.Store) {
	queued, dead, err := store.Count(appctx.Context())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to count messages:", err)
		os.Exit(1)
	}
	fmt.Printf("queued: %d\ndead: %d\n", queued, dead)
}
