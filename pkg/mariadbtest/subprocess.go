package mariadbtest

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"go.od2.network/conveyor/pkg/exectest"
)

// Paths of the MariaDB server programs used by Subprocess.
var (
	MysqldPath       = "/usr/sbin/mysqld"
	InstallDBPath    = "/usr/bin/mysql_install_db"
	StartupAttempts  = uint64(30)
	StartupProbeWait = 100 * time.Millisecond
)

// SupportsSubprocess checks if the system supports running MySQL subprocess unit tests.
func SupportsSubprocess() bool {
	for _, path := range []string{MysqldPath, InstallDBPath} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return os.Getenv("USER") != ""
}

// Subprocess runs a local MariaDB server over a unix socket in a temp directory.
type Subprocess struct {
	Dir    string
	BG     *exectest.Background
	config *mysql.Config
}

var _ Backend = (*Subprocess)(nil)

// NewSubprocess bootstraps a data dir and spawns mysqld in the background.
// It returns once the server accepts connections and DatabaseName exists.
func NewSubprocess(t testing.TB) *Subprocess {
	dir, err := os.MkdirTemp("", "mariadbtest-*")
	require.NoError(t, err, "Creating temp dir")
	user := os.Getenv("USER")
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.Mkdir(dataDir, 0750), "Creating data dir")
	installDataDir(t, user, dataDir)
	t.Log("mariadbtest: DB path:", dataDir)

	socketPath := filepath.Join(dir, "mysql.sock")
	bg := exectest.NewBackground(t, exec.Command(MysqldPath,
		"--no-defaults",
		"--datadir", dataDir,
		"--skip-networking",
		"--socket", socketPath))
	bg.Name = "mysql"
	bg.LogStdout = true
	bg.LogStderr = true
	bg.Start()

	config := mysql.NewConfig()
	config.Net = "unix"
	config.Addr = socketPath
	config.User = user
	config.ParseTime = true
	config.Loc = time.UTC
	sub := &Subprocess{Dir: dir, BG: bg, config: config}
	if err := sub.waitReady(); err != nil {
		sub.Close(t)
		t.Fatal("mariadbtest: MySQL did not start:", err)
	}
	t.Log("mariadbtest: MySQL is up")
	return sub
}

func installDataDir(t testing.TB, user, dataDir string) {
	cmd := exec.Command(InstallDBPath,
		"--user="+user,
		"--datadir="+dataDir,
		"--auth-root-authentication-method=socket",
		"--auth-root-socket-user="+user,
		"--skip-test-db",
		"--skip-name-resolve",
		"--force")
	cmd.Stdout = &exectest.PipeCapture{TB: t, Prefix: "mysql_install_db: "}
	cmd.Stderr = &exectest.PipeCapture{TB: t, Prefix: "mysql_install_db (stderr): "}
	require.NoError(t, cmd.Run(), "Running mysql_install_db")
}

// waitReady pings the server until the socket accepts connections, then creates DatabaseName.
func (s *Subprocess) waitReady() error {
	db, err := sqlx.Open("mysql", s.config.FormatDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	probe := func() error {
		select {
		case <-s.BG.Done():
			if err := s.BG.Err(); err != nil {
				return backoff.Permanent(err)
			}
			return backoff.Permanent(errors.New("mysqld exited"))
		default:
		}
		err := db.Ping()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			// Only a missing socket means the server is still starting.
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(StartupProbeWait), StartupAttempts)
	if err := backoff.Retry(probe, policy); err != nil {
		return err
	}
	_, err = db.Exec("CREATE DATABASE IF NOT EXISTS " + DatabaseName)
	return err
}

// DB opens the specified database.
// An empty string opens DatabaseName.
func (s *Subprocess) DB(name string) (*sqlx.DB, error) {
	config := s.config.Clone()
	if name == "" {
		name = DatabaseName
	}
	config.DBName = name
	return sqlx.Open("mysql", config.FormatDSN())
}

// MySQLConfig returns the base config for connecting to the local MySQL server.
func (s *Subprocess) MySQLConfig() *mysql.Config {
	return s.config
}

// Close kills the subprocess and removes the temp dir.
func (s *Subprocess) Close(t testing.TB) {
	t.Log("mariadbtest: Removing", s.Dir)
	s.BG.Close()
	_ = os.RemoveAll(s.Dir)
}
