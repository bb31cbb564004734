// Package influx provides time-series metrics for the pool: share decisions
// and block confirmations.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB metric writes.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient opens and verifies an InfluxDB connection.
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending writes and closes the connection.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}
	return nil
}

// WriteShareMetric records one share decision. Writes are async and
// best effort.
func (c *Client) WriteShareMetric(workerName string, difficulty, shareDiff float64, accepted, solvedBlock bool) {
	tags := map[string]string{
		"worker":   workerName,
		"accepted": fmt.Sprintf("%t", accepted),
		"block":    fmt.Sprintf("%t", solvedBlock),
	}
	fields := map[string]any{
		"difficulty":       difficulty,
		"share_difficulty": shareDiff,
		"count":            1,
	}
	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, time.Now()))
}

// WriteBlockMetric records an upstream block confirmation result.
func (c *Client) WriteBlockMetric(workerName, blockHash, status string, shareDiff float64) {
	tags := map[string]string{
		"worker": workerName,
		"status": status,
	}
	fields := map[string]any{
		"block_hash":       blockHash,
		"share_difficulty": shareDiff,
		"count":            1,
	}
	c.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, time.Now()))
}

// WritePoolSnapshot records an aggregate view of the pool: active worker
// count and the estimated hashrate in hashes per second.
func (c *Client) WritePoolSnapshot(workers int, hashrate float64, blocksFound int64) {
	fields := map[string]any{
		"workers":      workers,
		"hashrate":     hashrate,
		"blocks_found": blocksFound,
	}
	c.writeAPI.WritePoint(write.NewPoint("pool", nil, fields, time.Now()))
}

// Flush forces buffered points out.
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
