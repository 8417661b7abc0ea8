// Package store persists consumer state: device descriptors and the
// authorization headers derived from their credentials.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Fimeg/systemsdashboard/internal/config"
	"github.com/Fimeg/systemsdashboard/internal/database"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = errors.New("store: key not found")

// Store is a string-keyed value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns the keys starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open builds the store selected by cfg. When a key is configured, auth
// entries are sealed before they reach the backend.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		s = NewMemory()
	case "file":
		s, err = OpenFile(cfg.Path)
	case "postgres":
		s, err = openPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	key, err := cfg.SealKey()
	if err != nil {
		s.Close()
		return nil, err
	}
	if key != nil {
		s = NewSealed(s, key, IsAuthKey)
	} else {
		logger.Warn("Store key not configured, auth entries are stored in clear", "driver", cfg.Driver)
	}

	logger.Info("Store opened", "driver", cfg.Driver, "sealed", key != nil)
	return s, nil
}

func openPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgres(pool), nil
}
