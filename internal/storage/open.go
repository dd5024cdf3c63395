package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "mirrorbot/pkg/logx"
)

// Store is the persistence API used by the mapping registry and notifier.
type Store interface {
	PutLink(ctx context.Context, l Link) error
	GetLink(ctx context.Context, k LinkKey) (Link, bool, error)
	DeleteLink(ctx context.Context, k LinkKey) error

	AddStat(ctx context.Context, name string, n int64) error
	Stats(ctx context.Context) (map[string]int64, error)

	DisableRoute(ctx context.Context, r Route) error
	EnableRoute(ctx context.Context, r Route) error
	DisabledRoutes(ctx context.Context) ([]Route, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
