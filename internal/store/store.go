// Package store selects the client storage backend named by the configuration.
package store

import (
	"context"
	"fmt"

	"mandi.org/internal/config"
	"mandi.org/internal/obs"
	"mandi.org/internal/store/memory"
	"mandi.org/internal/store/pg"
	"mandi.org/internal/store/redisstore"
)

// Backend is the shared key/value storage behind every session.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend for cfg. The postgres driver applies the embedded
// migrations first when cfg.Migrate is set.
func Open(ctx context.Context, cfg config.Storage) (Backend, error) {
	switch cfg.Driver {
	case "", config.StorageMemory:
		return memoryBackend{memory.New()}, nil
	case config.StoragePostgres:
		s, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("store: postgres ping: %w", err)
		}
		if cfg.Migrate {
			applied, err := s.EnsureSchema(ctx)
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			if len(applied) > 0 {
				obs.Info("storage_migrated", map[string]any{"applied": applied})
			}
		}
		return s, nil
	case config.StorageRedis:
		s, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

type memoryBackend struct {
	*memory.Store
}

func (memoryBackend) Ping(context.Context) error { return nil }

func (memoryBackend) Close() error { return nil }
