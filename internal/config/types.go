package config

// Config is the on-disk configuration shared by the intake bot, the worker
// and queuectl. All durations are Go duration strings ("500ms", "30s", "1h").
//
// String values may reference environment variables as ${NAME} or
// ${NAME:-default}; see Expand.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Intake     IntakeConfig     `json:"intake,omitempty"`
	Queue      QueueConfig      `json:"queue"`
	Storage    StorageConfig    `json:"storage"`
	Resolver   ResolverConfig   `json:"resolver"`
	Downloader DownloaderConfig `json:"downloader"`
	Worker     WorkerConfig     `json:"worker,omitempty"`
	Progress   ProgressConfig   `json:"progress,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
}

// TelegramConfig configures the main (intake) bot. The worker uses the same
// token to edit progress messages and send terminal errors.
type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL points at a self-hosted Bot API server. Empty means api.telegram.org.
	APIURL       string  `json:"api_url,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is the chat that receives the Telegram log sink.
	GroupLog int64 `json:"group_log,omitempty"`
}

// DeliveryConfig describes the identity pool.
//
// Each entry of Tokens may itself be a comma-separated list, so
// "tokens": ["${UPLOAD_BOT_TOKENS}"] works with a single env var.
type DeliveryConfig struct {
	Tokens        []string `json:"tokens"`
	DestinationID int64    `json:"destination_id"`
	APIURL        string   `json:"api_url,omitempty"`
	// SendTimeout bounds one upload attempt. Default "30m".
	SendTimeout string `json:"send_timeout,omitempty"`
}

type IntakeConfig struct {
	// ForceSubscribeChat, when set, requires users to be members of this chat.
	ForceSubscribeChat int64  `json:"force_subscribe_chat,omitempty"`
	ForceSubscribeLink string `json:"force_subscribe_link,omitempty"`
}

// QueueConfig selects the work queue backend.
//
// Example:
//
//	"queue": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379" } }
type QueueConfig struct {
	Driver       string      `json:"driver"`
	Name         string      `json:"name,omitempty"`
	PollInterval string      `json:"poll_interval,omitempty"`
	Redis        RedisConfig `json:"redis,omitempty"`
	// Path is the sqlite database file (sqlite driver).
	Path string `json:"path,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// StorageConfig controls the dedup record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/records.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type ResolverConfig struct {
	APIURL    string `json:"api_url"`
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type DownloaderConfig struct {
	FFmpegPath     string `json:"ffmpeg_path,omitempty"`
	Dir            string `json:"dir,omitempty"`
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	Threads        int    `json:"threads,omitempty"`
	EmbedThumbnail bool   `json:"embed_thumbnail,omitempty"`
}

type WorkerConfig struct {
	// Concurrency is how many jobs one consumer may have in flight. Default 1.
	Concurrency  int    `json:"concurrency,omitempty"`
	OrphanSweep  string `json:"orphan_sweep,omitempty"` // cron spec, default "@every 1h"
	OrphanMaxAge string `json:"orphan_max_age,omitempty"`
}

type ProgressConfig struct {
	MinInterval string `json:"min_interval,omitempty"`
	QuietPeriod string `json:"quiet_period,omitempty"`
	Buffer      int    `json:"buffer,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file,omitempty"`
	Telegram LoggingTelegram `json:"telegram,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
