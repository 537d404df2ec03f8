package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "boxrelay/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// SQLiteDSN builds a modernc.org/sqlite DSN with the pragmas every opener in
// this repo wants. The queue package reuses it.
func SQLiteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", SQLiteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// One writer per process; cross-process writers serialize on the file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) FindByHash(ctx context.Context, hash string) (DeliveryRecord, bool, error) {
	var (
		rec     DeliveryRecord
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT link_hash, original_link, delivery_locator, artifact_id, size_bytes, created_at
		   FROM delivery_records WHERE link_hash = ?`, hash,
	).Scan(&rec.LinkHash, &rec.OriginalLink, &rec.DeliveryLocator, &rec.ArtifactID, &rec.SizeBytes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryRecord{}, false, nil
	}
	if err != nil {
		return DeliveryRecord{}, false, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return rec, true, nil
}

func (s *sqliteStore) Insert(ctx context.Context, rec DeliveryRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_records(link_hash, original_link, delivery_locator, artifact_id, size_bytes, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(link_hash) DO NOTHING`,
		rec.LinkHash, rec.OriginalLink, rec.DeliveryLocator, rec.ArtifactID, rec.SizeBytes,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_records WHERE link_hash = ?`, hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_records`).Scan(&n)
	return n, err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
