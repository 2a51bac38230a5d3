package stats

import (
	"fmt"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/config"
)

// NewStore creates a record store based on the provided configuration
func NewStore(cfg *config.StatisticsConfig) (Store, error) {
	if !cfg.Enabled {
		return NewDummyStore(), nil
	}

	var store Store
	var err error

	switch cfg.Backend {
	case config.BackendSQLite, "":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = config.DefaultSQLitePath()
		}
		store, err = NewSQLiteStore(sqlitePath)
	case config.BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		store, err = NewPostgresStore(cfg.PostgresDSN)
	case config.BackendDummy:
		store = NewDummyStore()
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Backend, err)
	}
	return store, nil
}
