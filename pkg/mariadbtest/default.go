// Package mariadbtest constructs short-lived MariaDB instances for unit-testing.
//
// Available backends: Subprocess (local mysqld), Docker.
package mariadbtest

import (
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// DatabaseName is the database created by every backend.
const DatabaseName = "conveyor"

// Backend is an available MariaDB test backend.
type Backend interface {
	MySQLConfig() *mysql.Config
	DB(name string) (*sqlx.DB, error)
	Close(t testing.TB)
}

// Default constructs a MariaDB server/client session
// from the fastest available backend.
func Default(t testing.TB) Backend {
	if SupportsSubprocess() {
		t.Log("mariadbtest: MySQL server installed, using subprocess")
		return NewSubprocess(t)
	}
	t.Log("mariadbtest: Falling back to Docker")
	return NewDocker(t)
}

// Connect opens a database for a test.
//
// A non-empty dsn connects to an existing server.
// Otherwise the default backend is started and torn down with the test.
// The test is skipped if no backend is available.
func Connect(t testing.TB, dsn string) *sqlx.DB {
	if dsn != "" {
		cfg, err := mysql.ParseDSN(dsn)
		require.NoError(t, err, "Parsing DSN")
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		db, err := sqlx.Open("mysql", cfg.FormatDSN())
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	}
	if !SupportsSubprocess() && !SupportsDocker() {
		t.Skip("mariadbtest: neither mysqld nor Docker available")
	}
	backend := Default(t)
	t.Cleanup(func() { backend.Close(t) })
	db, err := backend.DB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
