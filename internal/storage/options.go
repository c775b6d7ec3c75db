package storage

import (
	"strings"
	"time"
)

// Option configures a repository. Each option knows how to apply itself to
// the drivers it is meaningful for and is ignored by the others.
type Option interface {
	applyJSON(*JSONRepository)
	applyPostgres(*PostgresConfig)
	applySQLite(*SQLiteConfig)
}

type optionAdapter struct {
	json   func(*JSONRepository)
	pg     func(*PostgresConfig)
	sqlite func(*SQLiteConfig)
}

func (o optionAdapter) applyJSON(store *JSONRepository) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func composeOption(json func(*JSONRepository), pg func(*PostgresConfig), sqlite func(*SQLiteConfig)) Option {
	return optionAdapter{json: json, pg: pg, sqlite: sqlite}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	if now == nil {
		return optionAdapter{}
	}
	return composeOption(
		func(s *JSONRepository) { s.now = now },
		func(cfg *PostgresConfig) { cfg.Clock = now },
		func(cfg *SQLiteConfig) { cfg.Clock = now },
	)
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long opening a pooled connection may
// take.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithSQLiteBusyTimeout sets the sqlite busy_timeout pragma.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return optionAdapter{sqlite: func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	}}
}
