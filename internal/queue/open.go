package queue

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a backend.
type Config struct {
	Driver string // "redis" | "sqlite" | "memory"
	Name   string
	Redis  RedisOptions
	Path   string // sqlite
}

// OpenBackend builds the configured backend.
func OpenBackend(ctx context.Context, cfg Config) (Backend, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = DefaultName
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "redis":
		b, err := NewRedis(ctx, name, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("queue redis %s: %w", cfg.Redis.Addr, err)
		}
		return b, nil
	case "sqlite":
		return NewSQLite(cfg.Path, name)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %q", cfg.Driver)
	}
}
