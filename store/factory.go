package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pcharbon70/agentkeeper/config"
)

// dialectDrivers maps a config.StoreConfig dialect name to the database/sql
// driver name registered by its import-for-side-effects driver package.
var dialectDrivers = map[string]string{
	"sqlite":   "sqlite3",
	"mysql":    "mysql",
	"postgres": "postgres",
}

// NewFromConfig builds the Store backend selected by cfg, opening and
// preparing a *sql.DB and its schema for the sql backend.
func NewFromConfig(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.StoreBackendMemory, "":
		return NewMemoryStore(), nil

	case config.StoreBackendFile:
		return NewFileStore(cfg.Path)

	case config.StoreBackendSQL:
		driver, ok := dialectDrivers[cfg.Dialect]
		if !ok {
			return nil, fmt.Errorf("store: unsupported sql dialect %q", cfg.Dialect)
		}
		db, err := sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: opening %s database: %w", cfg.Dialect, err)
		}
		s, err := NewSQLStore(db, cfg.Dialect)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := s.EnsureSchema(context.Background()); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: preparing schema: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
