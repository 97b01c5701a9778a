package providers

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.od2.network/conveyor/pkg/mysqlqueue"
)

// MySQL config keys.
const (
	ConfMySQLDSN             = "mysql.dsn"
	ConfMySQLConnectTimeout  = "mysql.connect_timeout"
	ConfMySQLQueueTable      = "mysql.queue_table"
	ConfMySQLDeadLetterTable = "mysql.dead_letter_table"
)

func init() {
	viper.SetDefault(ConfMySQLDSN, "")
	viper.SetDefault(ConfMySQLConnectTimeout, 30*time.Second)
	viper.SetDefault(ConfMySQLQueueTable, mysqlqueue.DefaultQueueTable)
	viper.SetDefault(ConfMySQLDeadLetterTable, mysqlqueue.DefaultDeadLetterTable)
}

// NewMySQL connects an SQL client to the MySQL DSN from config.
func NewMySQL(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (*sqlx.DB, error) {
	// Force Go-compatible time handling.
	cfg, err := mysql.ParseDSN(viper.GetString(ConfMySQLDSN))
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	log.Info("Connecting to MySQL DB",
		zap.String("mysql.net", cfg.Net),
		zap.String("mysql.addr", cfg.Addr),
		zap.String("mysql.db_name", cfg.DBName),
		zap.String("mysql.user", cfg.User))
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	if err := pingWithBackoff(ctx, log, viper.GetDuration(ConfMySQLConnectTimeout), db.PingContext); err != nil {
		_ = db.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

// NewMySQLStore returns the queue store on the configured tables.
func NewMySQLStore(db *sqlx.DB, clock clockwork.Clock) *mysqlqueue.Store {
	return &mysqlqueue.Store{
		DB:              db,
		QueueTable:      viper.GetString(ConfMySQLQueueTable),
		DeadLetterTable: viper.GetString(ConfMySQLDeadLetterTable),
		Clock:           clock,
	}
}

// pingWithBackoff retries ping with exponential backoff until timeout.
func pingWithBackoff(ctx context.Context, log *zap.Logger, timeout time.Duration, ping func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	return backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return ping(pingCtx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("Ping failed, retrying", zap.Error(err), zap.Duration("backoff", next))
	})
}
