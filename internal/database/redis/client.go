// Package redis provides hot-path shared state for the pool: the pool-wide
// extranonce1 counter and per-connection submission cadence tracking.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys used by the pool.
const (
	keyExtranonceCounter = "stratum:extranonce1:counter"
	keySubmissionPrefix  = "stratum:submissions:"
	keyWorkerSharePrefix = "stratum:worker_shares:"
	keyActiveWorkers     = "stratum:workers:active"
	keyBlocksFound       = "stratum:blocks:found"
)

// Client wraps Redis operations for the pool.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient opens and verifies a Redis connection.
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// NextExtranonce increments and returns the pool-wide extranonce1 counter.
// The counter never repeats, which keeps concurrently issued extranonce1
// values unique across all stratumd instances.
func (c *Client) NextExtranonce(ctx context.Context) (uint64, error) {
	n, err := c.rdb.Incr(ctx, keyExtranonceCounter).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment extranonce counter: %w", err)
	}
	return uint64(n), nil
}

// RecordSubmission counts one submission for the session within the cadence
// window and returns the running count.
func (c *Client) RecordSubmission(ctx context.Context, sessionID string, window time.Duration) (int64, error) {
	key := keySubmissionPrefix + sessionID

	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record submission: %w", err)
	}
	return incr.Val(), nil
}

// AddWorkerShare credits accepted share difficulty to the worker's rolling
// hashrate window and marks the worker active.
func (c *Client) AddWorkerShare(ctx context.Context, workerName string, difficulty float64, window time.Duration) error {
	key := keyWorkerSharePrefix + workerName

	pipe := c.rdb.Pipeline()
	pipe.IncrByFloat(ctx, key, difficulty)
	pipe.Expire(ctx, key, window)
	pipe.SAdd(ctx, keyActiveWorkers, workerName)
	pipe.Expire(ctx, keyActiveWorkers, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to credit worker share: %w", err)
	}
	return nil
}

// WorkerShareSum returns the difficulty credited to a worker in the current
// window.
func (c *Client) WorkerShareSum(ctx context.Context, workerName string) (float64, error) {
	v, err := c.rdb.Get(ctx, keyWorkerSharePrefix+workerName).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get worker share sum: %w", err)
	}
	return v, nil
}

// ActiveWorkers lists workers that submitted within the current window.
func (c *Client) ActiveWorkers(ctx context.Context) ([]string, error) {
	workers, err := c.rdb.SMembers(ctx, keyActiveWorkers).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}
	return workers, nil
}

// IncrBlocksFound bumps the pool-lifetime solved block counter.
func (c *Client) IncrBlocksFound(ctx context.Context) (int64, error) {
	n, err := c.rdb.Incr(ctx, keyBlocksFound).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment blocks found: %w", err)
	}
	return n, nil
}

// ClearSubmissions drops the cadence counter for a closed session.
func (c *Client) ClearSubmissions(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, keySubmissionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to clear submissions: %w", err)
	}
	return nil
}
