package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"boxrelay/internal/storage"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  queue       TEXT NOT NULL,
  payload     BLOB NOT NULL,
  enqueued_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_jobs_queue_id ON queue_jobs(queue, id);
`

// sqlitePollStep is how often an idle Pop re-checks the table.
const sqlitePollStep = 100 * time.Millisecond

// sqliteBackend keeps the queue in a table. The autoincrement id gives FIFO
// order and the single-statement DELETE ... RETURNING makes a pop atomic
// across processes sharing the file.
type sqliteBackend struct {
	db   *sql.DB
	name string
}

func NewSQLite(path, name string) (Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", storage.SQLiteDSN(path, 0))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue migrate: %w", err)
	}
	return &sqliteBackend{db: db, name: name}, nil
}

func (s *sqliteBackend) Push(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_jobs(queue, payload, enqueued_at) VALUES(?,?,?)`,
		s.name, payload, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteBackend) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		var payload []byte
		err := s.db.QueryRowContext(ctx,
			`DELETE FROM queue_jobs
			  WHERE id = (SELECT id FROM queue_jobs WHERE queue = ? ORDER BY id LIMIT 1)
			  RETURNING payload`, s.name,
		).Scan(&payload)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > sqlitePollStep {
			wait = sqlitePollStep
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *sqliteBackend) Size(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_jobs WHERE queue = ?`, s.name).Scan(&n)
	return n, err
}

func (s *sqliteBackend) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE queue = ?`, s.name)
	return err
}

func (s *sqliteBackend) Close() error { return s.db.Close() }
