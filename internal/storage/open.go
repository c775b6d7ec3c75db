package storage

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverJSON     = "json"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and locates the catalog backend.
type Config struct {
	Driver      string
	JSONPath    string
	SQLitePath  string
	PostgresDSN string
	// Migrate applies the Postgres schema on open. SQLite always migrates.
	Migrate bool
}

// ResolveDriver picks the driver name, defaulting to postgres when a DSN is
// present and json otherwise.
func ResolveDriver(cfg Config) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if strings.TrimSpace(cfg.PostgresDSN) != "" {
			return DriverPostgres, nil
		}
		return DriverJSON, nil
	}
	switch driver {
	case DriverJSON, DriverPostgres, DriverSQLite:
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// Open builds the repository described by cfg.
func Open(ctx context.Context, cfg Config, opts ...Option) (Repository, error) {
	driver, err := ResolveDriver(cfg)
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverPostgres:
		repo, err := NewPostgresRepository(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				_ = repo.Close(ctx)
				return nil, err
			}
		}
		return repo, nil
	case DriverSQLite:
		return NewSQLiteRepository(cfg.SQLitePath, opts...)
	default:
		return NewJSONRepository(cfg.JSONPath, opts...)
	}
}
