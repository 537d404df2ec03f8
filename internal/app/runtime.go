// Package app wires the intake bot, the worker and the admin tool out of the
// internal packages and owns their start and stop order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"boxrelay/internal/config"
	"boxrelay/internal/eventbus"
	rtsup "boxrelay/internal/runtime/supervisor"
	"boxrelay/internal/transport/telegram/adapter"
	logx "boxrelay/pkg/logx"
)

type Options struct {
	ConfigPath string
	// EnvFiles are loaded before the config is parsed. Missing files are
	// skipped.
	EnvFiles []string
}

// StopReason is logged when a process begins shutting down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// runtime holds what every long-running process shares.
type runtime struct {
	role    config.Role
	cfgm    *config.ConfigManager
	// cfg is the startup config and is never replaced; live is owned by the
	// reload goroutine.
	cfg     *config.Config
	live    *config.Config
	logs    *logx.Service
	log     logx.Logger
	adapter *adapter.Adapter
	bus     eventbus.Bus
	sup     *rtsup.Supervisor
}

func loadConfig(opt Options, role config.Role) (*config.ConfigManager, *config.Config, error) {
	if err := config.LoadEnv(opt.EnvFiles...); err != nil {
		return nil, nil, err
	}
	cfgm := config.NewConfigManager(opt.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(role); err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", opt.ConfigPath, err)
	}
	cfgm.SetValidator(func(c *config.Config) error { return c.Validate(role) })
	return cfgm, cfg, nil
}

// newRuntime loads the config and connects the main bot. The adapter is built
// with a console logger first because the Telegram log sink sends through it.
func newRuntime(opt Options, role config.Role, offline bool) (*runtime, error) {
	cfgm, cfg, err := loadConfig(opt, role)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole(cfg.Logging.Level)

	acfg, err := mapAdapterConfig(cfg, offline)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(acfg, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logs, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("role", string(role)))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	return &runtime{
		role:    role,
		cfgm:    cfgm,
		cfg:     cfg,
		live:    cfg,
		logs:    logs,
		log:     log,
		adapter: ad,
		bus:     eventbus.New(),
	}, nil
}

// start creates the supervisor and runs the config watcher under it.
func (r *runtime) start(ctx context.Context) {
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	updates := r.cfgm.Subscribe(4)
	r.sup.Go0("config.reload", func(c context.Context) {
		defer r.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				r.applyConfig(next)
			}
		}
	})
	// A watcher failure is not fatal; the process keeps its current config.
	r.sup.Go0("config.watch", func(c context.Context) {
		if err := r.cfgm.Watch(c); err != nil {
			r.log.Warn("config.watch_failed", logx.Err(err))
		}
	})
}

// applyConfig applies logging live and reports everything else as needing a
// restart.
func (r *runtime) applyConfig(next *config.Config) {
	prev := r.live
	r.live = next
	changed, fields := config.ChangedSections(prev, next)
	if len(changed) == 0 {
		r.log.Info("config.reloaded_no_changes")
		return
	}
	for _, s := range changed {
		if s == "logging" || s == "telegram" {
			r.logs.Apply(mapLogConfig(next))
			break
		}
	}
	fields = append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)
	r.log.Info("config.applied", fields...)
	if pending := config.RestartRequired(changed); len(pending) > 0 {
		r.log.Warn("config.restart_required", logx.String("sections", strings.Join(pending, ",")))
	}
}

// wait blocks until ctx is done or a supervised goroutine fails, and returns
// why.
func (r *runtime) wait(ctx context.Context) StopReason {
	select {
	case <-ctx.Done():
		return StopSignal
	case <-r.sup.Context().Done():
		if ctx.Err() != nil {
			return StopSignal
		}
		return StopFatalError
	}
}

// step runs one shutdown step bounded by max. A step that overruns is left
// running and reported when it eventually returns.
func (r *runtime) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		r.log.Warn("stop.step_skipped", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, rec)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			r.log.Warn("stop.step_error", logx.String("name", name), logx.Err(err))
		}
		r.log.Debug("stop.step_end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		r.log.Warn("stop.step_deadline", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			r.log.Info("stop.step_finished_late", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

// stopCommon finishes what every process shares. Call it last.
func (r *runtime) stopCommon(ctx context.Context) error {
	r.step(ctx, "adapter", 3*time.Second, r.adapter.Stop)
	r.step(ctx, "supervisor", 5*time.Second, r.sup.Wait)
	err := r.sup.Err()
	r.log.Info("stopped")
	_ = r.logs.Close()
	return err
}
