package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role selects which sections Validate insists on.
type Role string

const (
	RoleIntake Role = "intake"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// UploadTokens flattens delivery.tokens, splitting comma-separated entries and
// dropping blanks and duplicates while keeping order.
func (c *Config) UploadTokens() []string {
	seen := map[string]bool{}
	var out []string
	for _, entry := range c.Delivery.Tokens {
		for _, tok := range strings.Split(entry, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" || seen[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

// Validate checks the sections the given role needs. All problems are joined
// into one error so an operator can fix the file in one pass.
func (c *Config) Validate(role Role) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	durations := map[string]string{
		"telegram.poll_timeout": c.Telegram.PollTimeout,
		"delivery.send_timeout": c.Delivery.SendTimeout,
		"queue.poll_interval":   c.Queue.PollInterval,
		"storage.busy_timeout":  c.Storage.BusyTimeout,
		"resolver.timeout":      c.Resolver.Timeout,
		"downloader.timeout":    c.Downloader.Timeout,
		"worker.orphan_max_age": c.Worker.OrphanMaxAge,
		"progress.min_interval": c.Progress.MinInterval,
		"progress.quiet_period": c.Progress.QuietPeriod,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Queue.Driver)) {
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Addr) == "" {
			add("queue.redis.addr is required for the redis driver")
		}
	case "sqlite":
		if strings.TrimSpace(c.Queue.Path) == "" {
			add("queue.path is required for the sqlite driver")
		}
	default:
		add("queue.driver must be redis or sqlite, got %q", c.Queue.Driver)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		add("storage.path is required")
	}

	if role == RoleIntake || role == RoleWorker {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add("telegram.token is required")
		}
		if len(c.UploadTokens()) == 0 {
			add("delivery.tokens needs at least one bot token")
		}
		if c.Delivery.DestinationID == 0 {
			add("delivery.destination_id is required")
		}
	}
	if role == RoleWorker {
		if strings.TrimSpace(c.Resolver.APIURL) == "" {
			add("resolver.api_url is required")
		}
		if c.Downloader.MaxConcurrent < 0 || c.Worker.Concurrency < 0 {
			add("downloader.max_concurrent and worker.concurrency must be >= 0")
		}
	}
	return errors.Join(errs...)
}
