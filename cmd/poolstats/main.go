// poolstats consumes share and block results from the bus and maintains
// pool-level statistics: rolling per-worker hashrate windows in Redis and
// periodic pool snapshots in InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/config"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/influx"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/postgres"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/redis"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/messaging"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

const (
	// hashrateWindow is how long a worker's accepted difficulty counts
	// toward its hashrate estimate.
	hashrateWindow = 10 * time.Minute
	// snapshotInterval is how often the pool snapshot is written.
	snapshotInterval = time.Minute

	// rejectionWindow and rejectionAlertThreshold bound how many rejected
	// shares one address may accumulate before it is flagged.
	rejectionWindow         = 10 * time.Minute
	rejectionAlertThreshold = 50
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("poolstats", cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poolstats", "environment", cfg.Environment)

	redisClient, err := redis.NewClient(&redis.Config{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	influxClient, err := influx.NewClient(&influx.Config{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect influxdb")
		os.Exit(1)
	}
	defer influxClient.Close()

	pgClient, err := postgres.NewClient(&postgres.Config{
		URL:          cfg.PostgresURL,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		MaxLifetime:  5 * time.Minute,
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect postgres")
		os.Exit(1)
	}
	defer pgClient.Close()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
	defer kafkaClient.Close()

	agg := NewAggregator(cfg, logger, kafkaClient, redisClient, influxClient,
		postgres.NewShareRepository(pgClient.DB()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go agg.consumeShareResults(ctx)
	go agg.consumeBlockResults(ctx)
	go agg.snapshotLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	influxClient.Flush()
	logger.Info("poolstats stopped")
}

// rejectionCounter is the slice of the share store abuse tracking needs.
type rejectionCounter interface {
	CountRejected(ctx context.Context, remoteAddr string, since time.Time) (int64, error)
}

// Aggregator folds the result streams into rolling statistics.
type Aggregator struct {
	cfg        *config.Config
	logger     *log.Logger
	kafka      *messaging.KafkaClient
	redis      *redis.Client
	influx     *influx.Client
	rejections rejectionCounter

	blocksFound int64
}

// NewAggregator wires the aggregator over its storage backends.
func NewAggregator(cfg *config.Config, logger *log.Logger, kafka *messaging.KafkaClient,
	redisClient *redis.Client, influxClient *influx.Client, rejections rejectionCounter) *Aggregator {
	return &Aggregator{
		cfg:        cfg,
		logger:     logger.WithComponent("aggregator"),
		kafka:      kafka,
		redis:      redisClient,
		influx:     influxClient,
		rejections: rejections,
	}
}

// consumeShareResults credits accepted shares to the submitting worker's
// rolling window. Rejected shares only surface in logs here; the raw
// records already live in PostgreSQL.
func (a *Aggregator) consumeShareResults(ctx context.Context) {
	reader := a.kafka.GetConsumer(messaging.TopicShareResults, a.cfg.KafkaGroupID)
	for {
		var result messaging.ShareResultMessage
		if _, err := a.kafka.Consume(ctx, reader, &result); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Warn("share result consume failed")
			time.Sleep(time.Second)
			continue
		}

		if !result.Accepted {
			a.trackRejection(ctx, &result)
			continue
		}

		if err := a.redis.AddWorkerShare(ctx, result.WorkerName, result.Difficulty, hashrateWindow); err != nil {
			a.logger.WithWorker(result.WorkerName).
				WithError(err).Warn("failed to credit worker share")
		}
	}
}

// trackRejection counts the rejecting address's recent rejected shares and
// reports whether it crossed the alert threshold.
func (a *Aggregator) trackRejection(ctx context.Context, result *messaging.ShareResultMessage) bool {
	a.logger.Debug("rejected share observed",
		"worker", result.WorkerName,
		"job_id", result.JobID,
		"reason", result.ErrorMessage)

	count, err := a.rejections.CountRejected(ctx, result.RemoteAddr, time.Now().Add(-rejectionWindow))
	if err != nil {
		a.logger.WithError(err).Warn("failed to count rejected shares",
			"remote_addr", result.RemoteAddr)
		return false
	}
	if count < rejectionAlertThreshold {
		return false
	}

	a.logger.Warn("excessive rejected shares",
		"remote_addr", result.RemoteAddr,
		"worker", result.WorkerName,
		"rejected", count,
		"window", rejectionWindow.String())
	return true
}

// consumeBlockResults tracks solved blocks pool-wide.
func (a *Aggregator) consumeBlockResults(ctx context.Context) {
	reader := a.kafka.GetConsumer(messaging.TopicBlockResults, a.cfg.KafkaGroupID)
	for {
		var result messaging.BlockResultMessage
		if _, err := a.kafka.Consume(ctx, reader, &result); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Warn("block result consume failed")
			time.Sleep(time.Second)
			continue
		}

		if !result.Accepted {
			a.logger.Warn("block rejected upstream",
				"block_hash", result.BlockHash,
				"worker", result.WorkerName,
				"reason", result.ErrorMessage)
			continue
		}

		total, err := a.redis.IncrBlocksFound(ctx)
		if err != nil {
			a.logger.WithError(err).Warn("failed to count solved block")
		} else {
			a.blocksFound = total
		}
		a.logger.Info("block accepted",
			"block_hash", result.BlockHash,
			"worker", result.WorkerName,
			"total_found", total)
	}
}

// snapshotLoop periodically writes the aggregate pool view to InfluxDB.
func (a *Aggregator) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.writeSnapshot(ctx)
		}
	}
}

func (a *Aggregator) writeSnapshot(ctx context.Context) {
	workers, err := a.redis.ActiveWorkers(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("failed to list active workers")
		return
	}

	var diffSum float64
	for _, worker := range workers {
		sum, err := a.redis.WorkerShareSum(ctx, worker)
		if err != nil {
			a.logger.WithWorker(worker).WithError(err).Warn("failed to read worker shares")
			continue
		}
		diffSum += sum
	}

	hashrate := estimateHashrate(diffSum, hashrateWindow)
	a.influx.WritePoolSnapshot(len(workers), hashrate, a.blocksFound)
	a.logger.Debug("pool snapshot",
		"workers", len(workers),
		"hashrate", hashrate)
}

// estimateHashrate converts accepted difficulty within a window into
// hashes per second. One difficulty-1 share represents 2^32 expected
// hashes.
func estimateHashrate(diffSum float64, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return diffSum * 4294967296 / window.Seconds()
}
