package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
)

// SQLiteQueue is a MessageStore backed by a private in-memory SQLite
// database. Contents live only as long as the queue.
type SQLiteQueue struct {
	db   *sql.DB
	name string
}

// NewSQLiteQueue opens a fresh in-memory database and creates the schema
func NewSQLiteQueue() (*SQLiteQueue, error) {
	name := "mailbox-" + uuid.NewString()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// A single connection keeps the in-memory database alive and
	// serializes every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	queue := &SQLiteQueue{
		db:   db,
		name: name,
	}

	if err := queue.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"component": "queue",
		"backend":   BackendSQLite,
		"database":  name,
	}).Debug("Message queue database ready")

	return queue, nil
}

// initSchema creates the database schema
func (q *SQLiteQueue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient BLOB NOT NULL,
		sender BLOB NOT NULL,
		msg_type INTEGER NOT NULL,
		content BLOB NOT NULL,
		queued_at INTEGER NOT NULL
	);

	-- Index for drains by recipient
	CREATE INDEX IF NOT EXISTS idx_recipient ON pending_messages(recipient);

	-- Index for expiry sweeps
	CREATE INDEX IF NOT EXISTS idx_queued_at ON pending_messages(queued_at);
	`

	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Append inserts a message; the AUTOINCREMENT key is the message id
func (q *SQLiteQueue) Append(to, from protocol.ClientID, msgType uint8, content []byte) (uint32, error) {
	if content == nil {
		content = []byte{}
	}

	query := `
		INSERT INTO pending_messages (recipient, sender, msg_type, content, queued_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := q.db.Exec(query, to[:], from[:], msgType, content, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to queue message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}

	return uint32(id), nil
}

// DrainFor selects and deletes every message for recipient in one transaction
func (q *SQLiteQueue) DrainFor(recipient protocol.ClientID) ([]PendingMessage, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin drain: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, recipient, sender, msg_type, content, queued_at
		FROM pending_messages
		WHERE recipient = ?
		ORDER BY id ASC
	`

	rows, err := tx.Query(query, recipient[:])
	if err != nil {
		return nil, fmt.Errorf("failed to get queued messages: %w", err)
	}

	var messages []PendingMessage
	for rows.Next() {
		msg, err := scanPendingMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate queued messages: %w", err)
	}
	rows.Close()

	if len(messages) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(`DELETE FROM pending_messages WHERE recipient = ?`, recipient[:]); err != nil {
		return nil, fmt.Errorf("failed to delete drained messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}

	return messages, nil
}

func scanPendingMessage(rows *sql.Rows) (PendingMessage, error) {
	var (
		msg      PendingMessage
		id       int64
		to, from []byte
		msgType  int64
		queuedAt int64
	)

	if err := rows.Scan(&id, &to, &from, &msgType, &msg.Content, &queuedAt); err != nil {
		return PendingMessage{}, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.ID = uint32(id)
	copy(msg.To[:], to)
	copy(msg.From[:], from)
	msg.Type = uint8(msgType)
	msg.QueuedAt = time.Unix(0, queuedAt)

	return msg, nil
}

// Pending returns the number of queued messages for a recipient
func (q *SQLiteQueue) Pending(recipient protocol.ClientID) (int, error) {
	var count int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_messages WHERE recipient = ?`, recipient[:]).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get message count: %w", err)
	}
	return count, nil
}

// Len returns the total number of queued messages
func (q *SQLiteQueue) Len() (int, error) {
	var count int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_messages`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return count, nil
}

// PurgeBefore removes messages queued before cutoff
func (q *SQLiteQueue) PurgeBefore(cutoff time.Time) (int, error) {
	result, err := q.db.Exec(`DELETE FROM pending_messages WHERE queued_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired messages: %w", err)
	}

	count, _ := result.RowsAffected()
	return int(count), nil
}

// Close closes the database connection, discarding its contents
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
