package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"boxrelay/internal/config"
	"boxrelay/internal/delivery"
	"boxrelay/internal/eventbus"
	"boxrelay/internal/media"
	"boxrelay/internal/pool"
	"boxrelay/internal/progress"
	"boxrelay/internal/queue"
	"boxrelay/internal/resolve"
	"boxrelay/internal/storage"
	"boxrelay/internal/worker"
	logx "boxrelay/pkg/logx"
)

// Worker is the job process: it consumes the queue and delivers artifacts
// through the identity pool.
type Worker struct {
	*runtime
	store    storage.Store
	queue    *queue.Queue
	pool     *pool.Dispatcher
	reporter *progress.Reporter
	proc     *worker.Processor
	tally    *eventbus.Tally
	cron     *cron.Cron
	dir      string
	sweep    sweepConfig
}

func NewWorker(ctx context.Context, opt Options) (*Worker, error) {
	rt, err := newRuntime(opt, config.RoleWorker, true)
	if err != nil {
		return nil, err
	}
	cfg := rt.cfg
	w := &Worker{runtime: rt, tally: eventbus.NewTally()}

	if w.sweep, err = mapSweepConfig(cfg); err != nil {
		return nil, err
	}
	clients, err := mapPoolClients(cfg)
	if err != nil {
		return nil, err
	}
	w.pool = pool.New(clients,
		pool.WithLogger(rt.log.With(logx.String("comp", "pool"))),
		pool.WithBus(rt.bus),
	)

	popt, err := mapProgressOptions(cfg)
	if err != nil {
		return nil, err
	}
	w.reporter = progress.New(rt.adapter, popt, rt.log.With(logx.String("comp", "progress")))

	rcfg, err := mapResolverConfig(cfg)
	if err != nil {
		return nil, err
	}
	mcfg, dir, err := mapDownloaderConfig(cfg)
	if err != nil {
		return nil, err
	}
	w.dir = dir
	dl := media.NewDownloader(mcfg, rt.log.With(logx.String("comp", "ffmpeg")))
	step := worker.ThumbnailStep{Fetcher: media.NewThumbnailer(cfg.Resolver.UserAgent)}
	if cfg.Downloader.EmbedThumbnail {
		step.Embedder = dl
	}

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if w.store, err = storage.Open(scfg, rt.log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	w.proc, err = worker.NewProcessor(worker.Config{Dir: dir, DestinationID: cfg.Delivery.DestinationID}, worker.Deps{
		Store:      w.store,
		Resolver:   resolve.New(rcfg, rt.log.With(logx.String("comp", "resolver"))),
		Downloader: dl,
		Post:       step,
		Deliverer:  delivery.New(w.pool, cfg.Delivery.DestinationID, rt.adapter, rt.log.With(logx.String("comp", "delivery"))),
		Messenger:  rt.adapter,
		Progress:   w.reporter,
		Bus:        rt.bus,
		Log:        rt.log.With(logx.String("comp", "worker")),
	})
	if err != nil {
		_ = w.store.Close()
		return nil, err
	}

	if err := w.setupCron(); err != nil {
		_ = w.store.Close()
		return nil, err
	}
	if w.queue, err = openQueue(ctx, cfg, rt.log); err != nil {
		_ = w.store.Close()
		return nil, err
	}
	return w, nil
}

// Run validates the pool, then consumes jobs until ctx is done. A pool with no
// identity able to post to the destination is a startup error.
func (w *Worker) Run(ctx context.Context) error {
	w.start(ctx)

	if err := w.pool.ValidateAll(w.sup.Context(), w.cfg.Delivery.DestinationID); err != nil {
		w.log.Error("pool.unusable", logx.Err(err))
		w.sup.Cancel()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.closeBackends(stopCtx)
		_ = w.stopCommon(stopCtx)
		return err
	}

	w.sup.Go0("progress.reporter", w.reporter.Run)
	w.sup.Go0("events.tally", func(c context.Context) { w.tally.Run(c, w.bus) })
	w.sup.Go("queue.consume", func(c context.Context) error {
		return w.queue.Consume(c, w.proc.Handle)
	})
	w.cron.Start()
	w.sweepOrphans()
	notifyReady(w.sup, w.log)

	w.log.Info("worker.started",
		logx.String("queue", w.queue.Name()),
		logx.Int("identities", w.pool.Size()),
		logx.String("dir", w.dir),
	)

	reason := w.wait(ctx)
	w.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(w.log)
	w.sup.Cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	w.step(stopCtx, "cron", 5*time.Second, func(c context.Context) error {
		select {
		case <-w.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	// In-flight jobs get the queue's drain timeout to finish.
	w.step(stopCtx, "consumers", 35*time.Second, w.sup.Wait)
	w.closeBackends(stopCtx)

	st := w.queue.Stats()
	w.log.Info("worker.totals",
		logx.Uint64("consumed", st.Consumed),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("dropped", st.Dropped),
		logx.Uint64("progress_edits", w.reporter.Edits()),
		logx.String("events", strings.Join(w.tally.Counts(), " ")),
	)
	return w.stopCommon(stopCtx)
}

func (w *Worker) closeBackends(ctx context.Context) {
	if w.queue != nil {
		w.step(ctx, "queue", time.Second, func(context.Context) error { return w.queue.Close() })
	}
	w.step(ctx, "storage", 2*time.Second, func(context.Context) error { return w.store.Close() })
}

func (w *Worker) setupCron() error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{log: w.log.With(logx.String("comp", "cron"))}
	w.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := w.cron.AddFunc(w.sweep.Spec, w.housekeeping); err != nil {
		return fmt.Errorf("worker.orphan_sweep %q: %w", w.sweep.Spec, err)
	}
	return nil
}

// housekeeping sweeps orphaned files and logs the pool state.
func (w *Worker) housekeeping() {
	w.sweepOrphans()
	usable := 0
	for _, st := range w.pool.Snapshot() {
		if st.Valid && time.Now().After(st.UnavailableUntil) {
			usable++
			continue
		}
		w.log.Debug("pool.identity",
			logx.Int("identity", st.Index),
			logx.String("handle", st.Handle),
			logx.Bool("valid", st.Valid),
			logx.Time("unavailable_until", st.UnavailableUntil),
		)
	}
	size, err := w.queue.Size(w.sup.Context())
	if err != nil {
		w.log.Warn("queue.size_failed", logx.Err(err))
	}
	w.log.Info("worker.housekeeping",
		logx.Int("usable", usable),
		logx.Int("identities", w.pool.Size()),
		logx.Int64("queued", size),
		logx.Uint64("progress_dropped", w.reporter.Dropped()),
		logx.String("events", strings.Join(w.tally.Counts(), " ")),
	)
}

func (w *Worker) sweepOrphans() {
	res, err := worker.Sweep(w.dir, w.sweep.MaxAge, time.Now())
	if err != nil {
		w.log.Warn("sweep.failed", logx.Err(err))
	}
	if res.Removed > 0 {
		w.log.Info("sweep.removed",
			logx.Int("files", res.Removed),
			logx.String("freed", humanize.Bytes(uint64(res.Bytes))),
		)
	}
}

// cronLogger routes robfig/cron's own logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron."+strings.ReplaceAll(msg, " ", "_"), logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron."+strings.ReplaceAll(msg, " ", "_"), logx.Err(err), logx.Any("kv", kv))
}
