package storage

import (
	"strings"
	"time"
)

type Option interface {
	applyMemory(*Storage)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	mem func(*Storage)
	pg  func(*PostgresConfig)
}

func (o optionAdapter) applyMemory(store *Storage) {
	if o.mem != nil && store != nil {
		o.mem(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(mem func(*Storage), pg func(*PostgresConfig)) Option {
	return optionAdapter{mem: mem, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock replaces the time source used for created/updated stamps. Tests
// use it to pin timestamps.
func WithClock(clock func() time.Time) Option {
	return composeOption(
		func(s *Storage) {
			if clock != nil {
				s.clock = clock
			}
		},
		func(cfg *PostgresConfig) {
			if clock != nil {
				cfg.Clock = clock
			}
		},
	)
}

// WithMaxListLimit caps how many rows a single List call may return when the
// caller requests more or leaves the limit unset.
func WithMaxListLimit(limit int) Option {
	return composeOption(
		func(s *Storage) {
			if limit > 0 {
				s.maxListLimit = limit
			}
		},
		func(cfg *PostgresConfig) {
			if limit > 0 {
				cfg.MaxListLimit = limit
			}
		},
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

// WithPostgresAcquireTimeout configures how long the repository waits to
// obtain a connection from the pool. The same deadline covers the initial
// statement executed with that connection.
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
