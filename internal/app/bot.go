package app

import (
	"context"
	"fmt"
	"time"

	"boxrelay/internal/config"
	"boxrelay/internal/delivery"
	"boxrelay/internal/intake"
	"boxrelay/internal/queue"
	"boxrelay/internal/storage"
	"boxrelay/internal/transport"
	logx "boxrelay/pkg/logx"
)

const updateBuffer = 256

// Bot is the intake process: it polls the main bot and enqueues jobs.
type Bot struct {
	*runtime
	store   storage.Store
	queue   *queue.Queue
	handler *intake.Handler
}

func NewBot(ctx context.Context, opt Options) (*Bot, error) {
	rt, err := newRuntime(opt, config.RoleIntake, false)
	if err != nil {
		return nil, err
	}
	cfg := rt.cfg

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(scfg, rt.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	q, err := openQueue(ctx, cfg, rt.log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	h := intake.New(intake.Config{
		DestinationID: cfg.Delivery.DestinationID,
		GateChat:      cfg.Intake.ForceSubscribeChat,
		GateLink:      cfg.Intake.ForceSubscribeLink,
	}, intake.Deps{
		Store:     store,
		Queue:     q,
		Forwarder: delivery.NewRelay(rt.adapter),
		Chat:      rt.adapter,
		Gate:      rt.adapter,
		Log:       rt.log.With(logx.String("comp", "intake")),
	})
	return &Bot{runtime: rt, store: store, queue: q, handler: h}, nil
}

func openQueue(ctx context.Context, cfg *config.Config, log logx.Logger) (*queue.Queue, error) {
	qcfg, qopt, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := queue.OpenBackend(ctx, qcfg)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return queue.New(qcfg.Name, backend, qopt, log.With(logx.String("comp", "queue"))), nil
}

// Run serves until ctx is done or a supervised goroutine fails.
func (b *Bot) Run(ctx context.Context) error {
	b.start(ctx)
	updates := make(chan transport.Update, updateBuffer)
	if err := b.adapter.Start(b.sup.Context(), updates); err != nil {
		return err
	}
	b.sup.Go("intake.dispatch", func(c context.Context) error {
		return b.handler.Run(c, updates)
	})
	b.log.Info("bot.started",
		logx.String("queue", b.queue.Name()),
		logx.Bool("gate", b.cfg.Intake.ForceSubscribeChat != 0),
	)

	reason := b.wait(ctx)
	b.log.Info("stopping", logx.String("reason", string(reason)))
	b.sup.Cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// The adapter goes first so no new updates arrive while intake drains.
	b.step(stopCtx, "adapter", 3*time.Second, b.adapter.Stop)
	b.step(stopCtx, "intake", 5*time.Second, b.sup.Wait)
	b.step(stopCtx, "queue", time.Second, func(context.Context) error { return b.queue.Close() })
	b.step(stopCtx, "storage", 2*time.Second, func(context.Context) error { return b.store.Close() })
	return b.stopCommon(stopCtx)
}
