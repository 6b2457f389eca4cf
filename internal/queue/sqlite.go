package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mqrunner/pkg/logx"
)

// sqliteBackend is an embedded single-file queue, mainly for local
// development and small deployments. A receive claims the oldest ready row
// (or an in-flight row whose visibility window has expired, which gives
// redelivery); Acknowledge deletes the claimed row. With acknowledgement
// disabled, rows are deleted at receive time.
//
// There is nothing to block on, so Receive returns immediately when the
// table is empty.
type sqliteBackend struct {
	db         *sql.DB
	visibility time.Duration
	ackReq     bool
	log        logx.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	content     TEXT    NOT NULL,
	state       TEXT    NOT NULL DEFAULT 'ready',
	enqueued_at INTEGER NOT NULL,
	locked_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state, id);

CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	content      TEXT    NOT NULL,
	published_at INTEGER NOT NULL
);
`

func openSQLite(cfg Config, ackRequired bool, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.SQLite.Path) == "" {
		return nil, errors.New("sqlite queue path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.SQLite.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.SQLite.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating queue schema: %w", err)
	}

	visibility := cfg.SQLite.VisibilityTimeout
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}

	log.Info("sqlite queue opened", logx.String("path", cfg.SQLite.Path))

	return &sqliteBackend{
		db:         db,
		visibility: visibility,
		ackReq:     ackRequired,
		log:        log,
	}, nil
}

// Enqueue appends a message. Exposed on the concrete type for seeding and
// tests; the runner itself only consumes.
func (b *sqliteBackend) Enqueue(ctx context.Context, content string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO messages (content, enqueued_at) VALUES (?, ?)`,
		content, time.Now().Unix())
	return err
}

func (b *sqliteBackend) Receive(ctx context.Context) (*Message, error) {
	now := time.Now().Unix()
	expiry := now - int64(b.visibility.Seconds())

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id      int64
		content string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, content FROM messages
		 WHERE state = 'ready' OR (state = 'inflight' AND locked_at <= ?)
		 ORDER BY id LIMIT 1`, expiry).Scan(&id, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming message: %w", err)
	}

	if !b.ackReq {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("deleting message %d: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &Message{Content: content}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET state = 'inflight', locked_at = ? WHERE id = ?`, now, id); err != nil {
		return nil, fmt.Errorf("locking message %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Message{Content: content, ID: strconv.FormatInt(id, 10)}, nil
}

func (b *sqliteBackend) Acknowledge(ctx context.Context, id string) error {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND state = 'inflight'`, rowID)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return nil
}

func (b *sqliteBackend) Publish(ctx context.Context, content string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO events (content, published_at) VALUES (?, ?)`,
		content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("recording completion event: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
