// Package kvstore provides the minimal key-value contract the usage limiter
// counts against, with in-memory, Redis and SQL implementations.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerveband/content-checkmate-sub000/internal/shared/cache"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/config"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store closed")

// Store is a string key-value store. Callers assume no transactional
// guarantees: a Get followed by a Set may interleave with other writers.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Close releases the store's resources.
	Close() error
}

// New builds the store selected by cfg.Store.Driver.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case "memory", "":
		log.Warn("using in-memory usage store; counters reset on restart")
		return NewMemoryStore(), nil

	case "redis":
		client, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis store: %w", err)
		}
		return NewRedisStore(client, cfg.Store.TTL), nil

	case "postgres":
		db, err := OpenPostgres(&cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(ctx, db)

	case "sqlite":
		db, err := OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(ctx, db)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
