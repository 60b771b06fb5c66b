package records

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendPostgreSQL = "postgresql"
)

type Config struct {
	Backend          string
	SQLitePath       string
	PostgresURL      string
	PostgresMaxConns int
}

// New opens the configured record store. An empty backend selects memory.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLiteStore(db, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	case BackendPostgreSQL:
		pool, err := OpenPostgreSQL(ctx, cfg.PostgresURL, cfg.PostgresMaxConns)
		if err != nil {
			return nil, err
		}
		store, err := NewPostgreSQLStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("records: unknown backend %q", cfg.Backend)
	}
}
