// Package mysqlqueue implements a message queue on a MariaDB/MySQL table.
//
// Receiving a message locks it for a visibility timeout.
// Messages that are neither removed nor archived become visible again once the lock expires.
package mysqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
)

// Default table names.
const (
	DefaultQueueTable      = "queue"
	DefaultDeadLetterTable = "dead_letter"
)

// MaxPayloadSize is the size of the payload column.
const MaxPayloadSize = 8192

// ErrPayloadSize is returned when enqueuing a payload larger than MaxPayloadSize.
var ErrPayloadSize = errors.New("mysqlqueue: payload too large")

// Message is a message received from the queue.
type Message struct {
	ID        uint64
	Payload   string
	CreatedAt time.Time
	// LockTimeout is the time the message becomes visible again.
	LockTimeout time.Time
	// ReceivedCount is the number of times the message was received, including this time.
	ReceivedCount int
}

func (m *Message) String() string {
	return fmt.Sprintf("mysql:%d", m.ID)
}

// Store accesses the queue and dead letter tables.
type Store struct {
	DB              *sqlx.DB
	QueueTable      string
	DeadLetterTable string
	Clock           clockwork.Clock
}

// NewStore returns a store using the default table names.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		DB:              db,
		QueueTable:      DefaultQueueTable,
		DeadLetterTable: DefaultDeadLetterTable,
		Clock:           clockwork.NewRealClock(),
	}
}

func (s *Store) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// CreateTables creates the queue and dead letter tables if they don't exist.
func (s *Store) CreateTables(ctx context.Context) error {
	// language=MariaDB
	const queueTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	lock_timeout DATETIME NOT NULL,
	lock_handle INT NULL,
	payload VARCHAR(%d) NOT NULL,
	lock_count TINYINT UNSIGNED NOT NULL DEFAULT 0,
	INDEX %s_lock_handle_index (lock_handle),
	INDEX %s_lock_timeout_index (lock_timeout)
);`
	// language=MariaDB
	const deadLetterTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	created_at DATETIME NOT NULL,
	died_at DATETIME NOT NULL,
	payload VARCHAR(%d) NOT NULL
);`
	stmt := fmt.Sprintf(queueTemplate, s.QueueTable, MaxPayloadSize, s.QueueTable, s.QueueTable)
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.QueueTable, err)
	}
	stmt = fmt.Sprintf(deadLetterTemplate, s.DeadLetterTable, MaxPayloadSize)
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.DeadLetterTable, err)
	}
	return nil
}

type enqueueRow struct {
	Payload string `db:"payload"`
}

// Enqueue inserts new messages, immediately visible.
func (s *Store) Enqueue(ctx context.Context, payloads ...string) error {
	if len(payloads) == 0 {
		return nil
	}
	rows := make([]enqueueRow, len(payloads))
	for i, payload := range payloads {
		if len(payload) > MaxPayloadSize {
			return ErrPayloadSize
		}
		rows[i] = enqueueRow{Payload: payload}
	}
	// language=MariaDB
	const stmt = `INSERT INTO %s (created_at, lock_timeout, payload)
VALUES (UTC_TIMESTAMP(), UTC_TIMESTAMP(), :payload);`
	_, err := s.DB.NamedExecContext(ctx, fmt.Sprintf(stmt, s.QueueTable), rows)
	return err
}

type messageRow struct {
	ID        uint64    `db:"id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
	LockCount int       `db:"lock_count"`
}

// Receive locks up to limit visible messages for lockTimeout and returns them.
func (s *Store) Receive(ctx context.Context, limit int, lockTimeout time.Duration) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	seconds := int64(lockTimeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lockHandle := rand.Int31()
	visibleAgain := s.now().UTC().Add(time.Duration(seconds) * time.Second)

	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	// language=MariaDB
	const update = `UPDATE %s
SET lock_timeout = DATE_ADD(UTC_TIMESTAMP(), INTERVAL ? SECOND),
	lock_count = lock_count + 1,
	lock_handle = ?
WHERE lock_timeout <= UTC_TIMESTAMP()
LIMIT ?;`
	res, err := tx.ExecContext(ctx, fmt.Sprintf(update, s.QueueTable), seconds, lockHandle, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lock messages: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, tx.Commit()
	}
	// language=MariaDB
	const query = `SELECT id, payload, created_at, lock_count
FROM %s
WHERE lock_handle = ?
ORDER BY id ASC;`
	var rows []messageRow
	if err := tx.SelectContext(ctx, &rows, fmt.Sprintf(query, s.QueueTable), lockHandle); err != nil {
		return nil, fmt.Errorf("failed to select locked messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	msgs := make([]*Message, len(rows))
	for i, row := range rows {
		msgs[i] = &Message{
			ID:            row.ID,
			Payload:       row.Payload,
			CreatedAt:     row.CreatedAt.UTC(),
			LockTimeout:   visibleAgain,
			ReceivedCount: row.LockCount,
		}
	}
	return msgs, nil
}

// Archive copies messages into the dead letter table.
// Archiving a message twice is a no-op.
func (s *Store) Archive(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	// language=MariaDB
	const stmt = `INSERT IGNORE INTO %s (id, created_at, died_at, payload)
SELECT id, created_at, UTC_TIMESTAMP(), payload
FROM %s
WHERE id IN (?);`
	query, args, err := sqlx.In(fmt.Sprintf(stmt, s.DeadLetterTable, s.QueueTable), messageIDs(msgs))
	if err != nil {
		return fmt.Errorf("failed to compile WHERE IN query: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, s.DB.Rebind(query), args...)
	return err
}

// Remove deletes messages from the queue table.
func (s *Store) Remove(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	// language=MariaDB
	const stmt = `DELETE FROM %s WHERE id IN (?);`
	query, args, err := sqlx.In(fmt.Sprintf(stmt, s.QueueTable), messageIDs(msgs))
	if err != nil {
		return fmt.Errorf("failed to compile WHERE IN query: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, s.DB.Rebind(query), args...)
	return err
}

// Count returns the number of messages in the queue and dead letter tables.
func (s *Store) Count(ctx context.Context) (queued, dead int, err error) {
	if err = s.DB.GetContext(ctx, &queued, fmt.Sprintf("SELECT COUNT(*) FROM %s;", s.QueueTable)); err != nil {
		return
	}
	err = s.DB.GetContext(ctx, &dead, fmt.Sprintf("SELECT COUNT(*) FROM %s;", s.DeadLetterTable))
	return
}

func messageIDs(msgs []*Message) []uint64 {
	ids := make([]uint64, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	return ids
}
