package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "boxrelay/internal/runtime/supervisor"
	logx "boxrelay/pkg/logx"
)

// notifyReady tells systemd the worker is up and, when the unit has
// WatchdogSec set, pings the watchdog at half its interval. Outside systemd
// both are no-ops.
func notifyReady(sup *rtsup.Supervisor, log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("systemd.notify_failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	log.Info("systemd.watchdog", logx.Duration("interval", interval))
	sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("systemd.notify_failed", logx.Err(err))
	}
}
