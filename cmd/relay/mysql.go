package relay

import (
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.od2.network/conveyor/cmd/providers"
	"go.od2.network/conveyor/pkg/mysqlqueue"
	"go.od2.network/conveyor/pkg/relay"
)

var mysqlCmd = cobra.Command{
	Use:   "mysql-relay",
	Short: "Relay messages from a MySQL queue table to Kafka.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(providers.ServeMetrics, RunMySQL))
		app.Run()
	},
}

type mysqlIn struct {
	fx.In

	Store *mysqlqueue.Store
}

// RunMySQL wires the MySQL relay.
func RunMySQL(in relayIn, m mysqlIn) error {
	src := &relay.MySQL{
		Store:       m.Store,
		FetchBatch:  in.Topology.Receiver.FetchBatch,
		LockTimeout: in.Topology.Receiver.LockTimeout,
	}
	return start[*mysqlqueue.Message](in, "mysql", src, encodeMySQL, func(msg *mysqlqueue.Message) zap.Field {
		return zap.Uint64("mysql.id", msg.ID)
	})
}

func encodeMySQL(msg *mysqlqueue.Message) ([]byte, []byte, error) {
	return []byte(strconv.FormatUint(msg.ID, 10)), []byte(msg.Payload), nil
}
