package app

import (
	"fmt"
	"strings"
	"time"

	"boxrelay/internal/config"
	"boxrelay/internal/media"
	"boxrelay/internal/pool"
	"boxrelay/internal/progress"
	"boxrelay/internal/queue"
	"boxrelay/internal/resolve"
	"boxrelay/internal/storage"
	"boxrelay/internal/transport/telegram/adapter"
	logx "boxrelay/pkg/logx"
)

const (
	defaultSweepSpec   = "@every 1h"
	defaultOrphanAge   = 24 * time.Hour
	defaultDownloadDir = "./downloads"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.GroupLog,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config, offline bool) (adapter.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      strings.TrimRight(cfg.Telegram.APIURL, "/"),
		PollTimeout: poll,
		Offline:     offline,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	switch driver := strings.ToLower(strings.TrimSpace(sc.Driver)); driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, queue.Options, error) {
	qc := cfg.Queue
	poll, err := config.ParseDurationOrDefault("queue.poll_interval", qc.PollInterval, time.Second)
	if err != nil {
		return queue.Config{}, queue.Options{}, err
	}
	name := strings.TrimSpace(qc.Name)
	if name == "" {
		name = queue.DefaultName
	}
	return queue.Config{
			Driver: qc.Driver,
			Name:   name,
			Redis:  queue.RedisOptions{Addr: qc.Redis.Addr, Password: qc.Redis.Password, DB: qc.Redis.DB},
			Path:   qc.Path,
		}, queue.Options{
			PollInterval: poll,
			Concurrency:  cfg.Worker.Concurrency,
		}, nil
}

func mapResolverConfig(cfg *config.Config) (resolve.Config, error) {
	timeout, err := config.ParseDurationOrDefault("resolver.timeout", cfg.Resolver.Timeout, 30*time.Second)
	if err != nil {
		return resolve.Config{}, err
	}
	return resolve.Config{APIURL: cfg.Resolver.APIURL, Timeout: timeout, UserAgent: cfg.Resolver.UserAgent}, nil
}

// mapDownloaderConfig also returns the download directory.
func mapDownloaderConfig(cfg *config.Config) (media.Config, string, error) {
	dc := cfg.Downloader
	timeout, err := config.ParseDurationOrDefault("downloader.timeout", dc.Timeout, time.Hour)
	if err != nil {
		return media.Config{}, "", err
	}
	dir := strings.TrimSpace(dc.Dir)
	if dir == "" {
		dir = defaultDownloadDir
	}
	return media.Config{
		FFmpegPath:    dc.FFmpegPath,
		MaxConcurrent: dc.MaxConcurrent,
		Timeout:       timeout,
		Threads:       dc.Threads,
		UserAgent:     cfg.Resolver.UserAgent,
	}, dir, nil
}

func mapProgressOptions(cfg *config.Config) (progress.Options, error) {
	pc := cfg.Progress
	interval, err := config.ParseDurationOrDefault("progress.min_interval", pc.MinInterval, 3*time.Second)
	if err != nil {
		return progress.Options{}, err
	}
	quiet, err := config.ParseDurationOrDefault("progress.quiet_period", pc.QuietPeriod, 10*time.Minute)
	if err != nil {
		return progress.Options{}, err
	}
	return progress.Options{MinInterval: interval, QuietPeriod: quiet, Buffer: pc.Buffer}, nil
}

type sweepConfig struct {
	Spec   string
	MaxAge time.Duration
}

func mapSweepConfig(cfg *config.Config) (sweepConfig, error) {
	age, err := config.ParseDurationOrDefault("worker.orphan_max_age", cfg.Worker.OrphanMaxAge, defaultOrphanAge)
	if err != nil {
		return sweepConfig{}, err
	}
	spec := strings.TrimSpace(cfg.Worker.OrphanSweep)
	if spec == "" {
		spec = defaultSweepSpec
	}
	return sweepConfig{Spec: spec, MaxAge: age}, nil
}

// mapPoolClients builds one Telegram client per upload token.
func mapPoolClients(cfg *config.Config) ([]pool.Client, error) {
	timeout, err := config.ParseDurationOrDefault("delivery.send_timeout", cfg.Delivery.SendTimeout, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	api := cfg.Delivery.APIURL
	if strings.TrimSpace(api) == "" {
		api = cfg.Telegram.APIURL
	}
	tokens := cfg.UploadTokens()
	clients := make([]pool.Client, 0, len(tokens))
	for i, tok := range tokens {
		c, err := pool.NewTelegramClient(pool.TelegramConfig{Token: tok, APIURL: api, SendTimeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("delivery.tokens[%d]: %w", i, err)
		}
		clients = append(clients, c)
	}
	return clients, nil
}
