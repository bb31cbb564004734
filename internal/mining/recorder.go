package mining

import (
	"context"
	"time"

	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/postgres"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/messaging"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/stratum"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/errors"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

// Block confirmation states as persisted.
const (
	BlockStatusPending  = "pending"
	BlockStatusAccepted = "accepted"
	BlockStatusRejected = "rejected"
)

type shareStore interface {
	InsertShare(ctx context.Context, share *postgres.ShareRecord) error
}

type blockStore interface {
	InsertBlock(ctx context.Context, block *postgres.BlockRecord) error
	ConfirmBlock(ctx context.Context, blockHash, status, errorMessage string) error
}

type metricsSink interface {
	WriteShareMetric(workerName string, difficulty, shareDiff float64, accepted, solvedBlock bool)
	WriteBlockMetric(workerName, blockHash, status string, shareDiff float64)
}

type eventBus interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// Recorder fans share outcomes out to the database, the metrics sink and
// the event bus. Each sink is independent: one failing does not stop the
// others, and the first failure is reported to the caller for logging.
type Recorder struct {
	shares  shareStore
	blocks  blockStore
	metrics metricsSink
	bus     eventBus
	logger  *log.Logger
}

// NewRecorder creates an outcome recorder over the given sinks.
func NewRecorder(shares shareStore, blocks blockStore, metrics metricsSink, bus eventBus, logger *log.Logger) *Recorder {
	return &Recorder{
		shares:  shares,
		blocks:  blocks,
		metrics: metrics,
		bus:     bus,
		logger:  logger.WithComponent("recorder"),
	}
}

// RecordShare persists one accept/reject decision. An accepted share that
// carries a block hash additionally opens a pending block row awaiting the
// upstream confirmation.
func (r *Recorder) RecordShare(ctx context.Context, rec *stratum.ShareRecord) error {
	var firstErr error
	fail := func(err error, op, msg string) {
		wrapped := errors.Wrap(err, errors.ErrorTypeDatabase, op, msg)
		r.logger.WithError(wrapped).Error(msg)
		if firstErr == nil {
			firstErr = wrapped
		}
	}

	row := &postgres.ShareRecord{
		WorkerName:      rec.WorkerName,
		JobID:           rec.JobID,
		BlockHeader:     rec.BlockHeader,
		BlockHash:       rec.BlockHash,
		Difficulty:      rec.Difficulty,
		ShareDifficulty: rec.ShareDifficulty,
		Accepted:        rec.Accepted,
		ErrorMessage:    rec.ErrorMessage,
		RemoteAddr:      rec.RemoteAddr,
		SubmittedAt:     rec.SubmittedAt,
	}
	if err := r.shares.InsertShare(ctx, row); err != nil {
		fail(err, "record_share", "failed to persist share")
	}

	solvedBlock := rec.Accepted && rec.BlockHash != ""
	r.metrics.WriteShareMetric(rec.WorkerName, rec.Difficulty, rec.ShareDifficulty, rec.Accepted, solvedBlock)

	if solvedBlock {
		block := &postgres.BlockRecord{
			WorkerName:      rec.WorkerName,
			BlockHeader:     rec.BlockHeader,
			BlockHash:       rec.BlockHash,
			ShareDifficulty: rec.ShareDifficulty,
			Status:          BlockStatusPending,
			RemoteAddr:      rec.RemoteAddr,
			SubmittedAt:     rec.SubmittedAt,
		}
		if err := r.blocks.InsertBlock(ctx, block); err != nil {
			fail(err, "record_share", "failed to persist pending block")
		}
	}

	msg := &messaging.ShareResultMessage{
		WorkerName:      rec.WorkerName,
		JobID:           rec.JobID,
		BlockHeader:     rec.BlockHeader,
		BlockHash:       rec.BlockHash,
		Difficulty:      rec.Difficulty,
		ShareDifficulty: rec.ShareDifficulty,
		Accepted:        rec.Accepted,
		ErrorMessage:    rec.ErrorMessage,
		RemoteAddr:      rec.RemoteAddr,
		SubmittedAt:     rec.SubmittedAt,
	}
	if err := r.bus.Publish(ctx, messaging.TopicShareResults, rec.WorkerName, msg); err != nil {
		fail(err, "record_share", "failed to publish share result")
	}

	return firstErr
}

// RecordBlockConfirmation settles a pending block row with the upstream
// submission result.
func (r *Recorder) RecordBlockConfirmation(ctx context.Context, rec *stratum.BlockConfirmation) error {
	status := BlockStatusRejected
	if rec.Accepted {
		status = BlockStatusAccepted
	}

	var firstErr error
	if err := r.blocks.ConfirmBlock(ctx, rec.BlockHash, status, rec.Message); err != nil {
		firstErr = errors.Wrap(err, errors.ErrorTypeDatabase, "record_confirmation",
			"failed to confirm block")
		r.logger.WithError(firstErr).Error("failed to confirm block", "block_hash", rec.BlockHash)
	}

	r.metrics.WriteBlockMetric(rec.WorkerName, rec.BlockHash, status, rec.ShareDifficulty)

	msg := &messaging.BlockResultMessage{
		WorkerName:      rec.WorkerName,
		BlockHeader:     rec.BlockHeader,
		BlockHash:       rec.BlockHash,
		Accepted:        rec.Accepted,
		ErrorMessage:    rec.Message,
		ShareDifficulty: rec.ShareDifficulty,
		RemoteAddr:      rec.RemoteAddr,
		SubmittedAt:     rec.SubmittedAt,
		ConfirmedAt:     time.Now(),
	}
	if err := r.bus.Publish(ctx, messaging.TopicBlockResults, rec.BlockHash, msg); err != nil {
		wrapped := errors.Wrap(err, errors.ErrorTypeKafka, "record_confirmation",
			"failed to publish block result")
		r.logger.WithError(wrapped).Error("failed to publish block result")
		if firstErr == nil {
			firstErr = wrapped
		}
	}

	return firstErr
}
