package config

import (
	"reflect"
	"sort"
	"strings"

	logx "boxrelay/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// ChangedSections lists the top-level sections that differ between oldCfg
// and newCfg, sorted, plus safe fields for a log line. Secrets are never
// included.
func ChangedSections(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	var fields []logx.Field

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.GroupLog != newCfg.Telegram.GroupLog {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", newCfg.Telegram.GroupLog != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		fields = append(fields, logx.Int("delivery.token_count", len(newCfg.UploadTokens())))
	}
	if oldCfg.Intake != newCfg.Intake {
		changed = append(changed, "intake")
		fields = append(fields, logx.Bool("intake.gate", newCfg.Intake.ForceSubscribeChat != 0))
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		fields = append(fields, logx.String("queue.driver", newCfg.Queue.Driver))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Resolver != newCfg.Resolver {
		changed = append(changed, "resolver")
	}
	if oldCfg.Downloader != newCfg.Downloader {
		changed = append(changed, "downloader")
		fields = append(fields, logx.Int("downloader.max_concurrent", newCfg.Downloader.MaxConcurrent))
	}
	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		fields = append(fields, logx.Int("worker.concurrency", newCfg.Worker.Concurrency))
	}
	if oldCfg.Progress != newCfg.Progress {
		changed = append(changed, "progress")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, fields
}

// RestartRequired filters changed down to the sections that only take
// effect on the next start.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
