// Package storage is the dedup record store: one DeliveryRecord per link
// fingerprint, written after the first successful delivery and read on every
// later request for the same link.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "boxrelay/pkg/logx"
)

var (
	// ErrDuplicate is returned by Insert when a record for the hash exists.
	ErrDuplicate = errors.New("delivery record already exists")
	ErrClosed    = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file, safe across processes
//   - "file": JSON Lines journal + snapshot, single process only
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// DeliveryRecord maps a link fingerprint to a delivered artifact.
type DeliveryRecord struct {
	LinkHash        string    `json:"linkHash"`
	OriginalLink    string    `json:"originalLink"`
	DeliveryLocator string    `json:"deliveryLocator"`
	ArtifactID      string    `json:"artifactId"`
	SizeBytes       int64     `json:"sizeBytes"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (r DeliveryRecord) validate() error {
	if strings.TrimSpace(r.LinkHash) == "" {
		return errors.New("record link hash is empty")
	}
	if strings.TrimSpace(r.DeliveryLocator) == "" {
		return errors.New("record delivery locator is empty")
	}
	return nil
}

// Store is implemented by every driver.
type Store interface {
	FindByHash(ctx context.Context, hash string) (DeliveryRecord, bool, error)
	// Insert is uniqueness-constrained on LinkHash and returns ErrDuplicate
	// when the key exists. Records are never updated.
	Insert(ctx context.Context, rec DeliveryRecord) error
	// Delete removes a record out of band (admin action).
	Delete(ctx context.Context, hash string) (bool, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Save writes rec and treats a lost uniqueness race as success: the record
// the caller wanted to exist does exist. inserted reports whether this call
// was the writer that won.
func Save(ctx context.Context, s Store, rec DeliveryRecord) (inserted bool, err error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err = s.Insert(ctx, rec)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrDuplicate):
		return false, nil
	default:
		return false, err
	}
}

// Open initializes the configured driver.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
