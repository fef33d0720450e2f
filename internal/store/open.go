package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dunamismax/swipeflow/internal/config"
	"github.com/redis/go-redis/v9"
)

// Open builds the job store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (JobStore, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory job store; records are lost on restart and not shared between processes")
		return NewMemoryJobStore(), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis store url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis store: %w", err)
		}
		logger.Info("job store ready", "driver", cfg.Driver, "addr", opts.Addr, "db", opts.DB)
		return NewRedisJobStore(client, "")
	case "postgres":
		s, err := NewPostgresJobStore(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		logger.Info("job store ready", "driver", cfg.Driver)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
