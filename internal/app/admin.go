package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"boxrelay/internal/config"
	"boxrelay/internal/link"
	"boxrelay/internal/pool"
	"boxrelay/internal/queue"
	"boxrelay/internal/storage"
	"boxrelay/internal/worker"
	logx "boxrelay/pkg/logx"
)

// Admin runs one-shot operator commands against the shared backends. It
// never connects the main bot.
type Admin struct {
	cfg *config.Config
	log logx.Logger
}

func NewAdmin(opt Options) (*Admin, error) {
	_, cfg, err := loadConfig(opt, config.RoleAdmin)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if level == "" {
		level = "warn"
	}
	return &Admin{cfg: cfg, log: logx.NewConsole(level)}, nil
}

func (a *Admin) withQueue(ctx context.Context, fn func(*queue.Queue) error) error {
	q, err := openQueue(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer q.Close()
	return fn(q)
}

func (a *Admin) withStore(fn func(storage.Store) error) error {
	scfg, err := mapStorageConfig(a.cfg)
	if err != nil {
		return err
	}
	s, err := storage.Open(scfg, a.log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer s.Close()
	return fn(s)
}

// QueueSize returns the queue name and its pending job count.
func (a *Admin) QueueSize(ctx context.Context) (string, int64, error) {
	var (
		name string
		n    int64
	)
	err := a.withQueue(ctx, func(q *queue.Queue) error {
		name = q.Name()
		var err error
		n, err = q.Size(ctx)
		return err
	})
	return name, n, err
}

// ClearQueue drops every pending job and returns how many there were.
func (a *Admin) ClearQueue(ctx context.Context) (int64, error) {
	var n int64
	err := a.withQueue(ctx, func(q *queue.Queue) error {
		var err error
		if n, err = q.Size(ctx); err != nil {
			return err
		}
		return q.Clear(ctx)
	})
	return n, err
}

// Sweep removes orphaned worker files older than maxAge. Zero uses the
// configured age.
func (a *Admin) Sweep(maxAge time.Duration) (worker.SweepResult, error) {
	sc, err := mapSweepConfig(a.cfg)
	if err != nil {
		return worker.SweepResult{}, err
	}
	if maxAge <= 0 {
		maxAge = sc.MaxAge
	}
	_, dir, err := mapDownloaderConfig(a.cfg)
	if err != nil {
		return worker.SweepResult{}, err
	}
	return worker.Sweep(dir, maxAge, time.Now())
}

// Pool probes every upload identity against the destination. A pool with no
// valid identity returns the snapshot together with the error.
func (a *Admin) Pool(ctx context.Context) ([]pool.State, error) {
	if a.cfg.Delivery.DestinationID == 0 {
		return nil, errors.New("delivery.destination_id is not set")
	}
	clients, err := mapPoolClients(a.cfg)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, errors.New("delivery.tokens is empty")
	}
	d := pool.New(clients, pool.WithLogger(a.log))
	err = d.ValidateAll(ctx, a.cfg.Delivery.DestinationID)
	return d.Snapshot(), err
}

// Records returns how many deliveries are recorded.
func (a *Admin) Records(ctx context.Context) (int64, error) {
	var n int64
	err := a.withStore(func(s storage.Store) error {
		var err error
		n, err = s.Count(ctx)
		return err
	})
	return n, err
}

// Lookup finds the delivery recorded for raw, which may be any form of the
// link a user could send.
func (a *Admin) Lookup(ctx context.Context, raw string) (storage.DeliveryRecord, bool, error) {
	hash, err := linkHash(raw)
	if err != nil {
		return storage.DeliveryRecord{}, false, err
	}
	var (
		rec storage.DeliveryRecord
		ok  bool
	)
	err = a.withStore(func(s storage.Store) error {
		var err error
		rec, ok, err = s.FindByHash(ctx, hash)
		return err
	})
	return rec, ok, err
}

// Forget deletes the record for raw so the next request downloads it again.
func (a *Admin) Forget(ctx context.Context, raw string) (bool, error) {
	hash, err := linkHash(raw)
	if err != nil {
		return false, err
	}
	var removed bool
	err = a.withStore(func(s storage.Store) error {
		var err error
		removed, err = s.Delete(ctx, hash)
		return err
	})
	return removed, err
}

func linkHash(raw string) (string, error) {
	l, ok := link.Extract(raw)
	if !ok {
		return "", fmt.Errorf("not a supported link: %q", raw)
	}
	return link.Hash(link.Normalize(l)), nil
}
