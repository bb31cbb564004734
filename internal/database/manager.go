// Package database coordinates the pool's storage backends: PostgreSQL for
// persistence, Redis for hot shared state, InfluxDB for metrics.
package database

import (
	"context"
	"fmt"

	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/influx"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/postgres"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/redis"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/errors"
)

// Manager holds all storage clients and repositories.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Workers *postgres.WorkerRepository
	Shares  *postgres.ShareRepository
	Blocks  *postgres.BlockRepository
}

// Config holds configuration for all storage backends.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to all backends. On partial failure every already
// opened connection is closed before returning.
func NewManager(cfg *Config) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis").
				WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		wrapped := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB")
		if closeErr := pgClient.Close(); closeErr != nil {
			wrapped = wrapped.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			wrapped = wrapped.WithContext("redis_cleanup_error", closeErr.Error())
		}
		return nil, wrapped
	}

	db := pgClient.DB()
	return &Manager{
		Postgres: pgClient,
		Redis:    redisClient,
		Influx:   influxClient,
		Workers:  postgres.NewWorkerRepository(db),
		Shares:   postgres.NewShareRepository(db),
		Blocks:   postgres.NewBlockRepository(db),
	}, nil
}

// Close closes every backend connection.
func (m *Manager) Close() error {
	var errs []error
	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("postgres close error: %w", err))
	}
	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}
	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every backend.
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("influx health check failed: %w", err)
	}
	return nil
}
