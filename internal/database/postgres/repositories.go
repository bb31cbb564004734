package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkerRepository handles worker credential lookups.
type WorkerRepository struct {
	db *sql.DB
}

// NewWorkerRepository creates a worker repository.
func NewWorkerRepository(db *sql.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// GetWorkerByName retrieves an active worker by name. Returns sql.ErrNoRows
// wrapped when the worker does not exist.
func (r *WorkerRepository) GetWorkerByName(ctx context.Context, name string) (*Worker, error) {
	query := `
		SELECT id, name, password, is_active, created_at, last_seen_at
		FROM workers WHERE name = $1`

	w := &Worker{}
	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&w.ID, &w.Name, &w.Password, &w.IsActive, &w.CreatedAt, &w.LastSeenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %q: %w", name, err)
	}
	return w, nil
}

// TouchWorker updates the worker's last seen timestamp.
func (r *WorkerRepository) TouchWorker(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workers SET last_seen_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}
	return nil
}

// ShareRepository persists share decisions.
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a share repository.
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// InsertShare stores one accept/reject decision.
func (r *ShareRepository) InsertShare(ctx context.Context, share *ShareRecord) error {
	query := `
		INSERT INTO shares (worker_name, job_id, block_header, block_hash, difficulty,
		                    share_difficulty, accepted, error_message, remote_addr, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.WorkerName, share.JobID, share.BlockHeader, share.BlockHash,
		share.Difficulty, share.ShareDifficulty, share.Accepted,
		share.ErrorMessage, share.RemoteAddr, share.SubmittedAt,
	).Scan(&share.ID)
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// CountRejected returns the number of rejected shares from an address within
// the window, for abuse tracking.
func (r *ShareRepository) CountRejected(ctx context.Context, remoteAddr string, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shares WHERE remote_addr = $1 AND accepted = false AND submitted_at >= $2`,
		remoteAddr, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejected shares: %w", err)
	}
	return n, nil
}

// BlockRepository persists found blocks and their confirmation state.
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a block repository.
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// InsertBlock stores a solved block in pending state.
func (r *BlockRepository) InsertBlock(ctx context.Context, block *BlockRecord) error {
	query := `
		INSERT INTO blocks (worker_name, block_header, block_hash, share_difficulty,
		                    status, error_message, remote_addr, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.WorkerName, block.BlockHeader, block.BlockHash, block.ShareDifficulty,
		block.Status, block.ErrorMessage, block.RemoteAddr, block.SubmittedAt,
	).Scan(&block.ID)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

// ConfirmBlock records the upstream submission result for a block hash.
func (r *BlockRepository) ConfirmBlock(ctx context.Context, blockHash, status, errorMessage string) error {
	now := time.Now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE blocks SET status = $1, error_message = $2, confirmed_at = $3 WHERE block_hash = $4`,
		status, errorMessage, now, blockHash)
	if err != nil {
		return fmt.Errorf("failed to confirm block: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("no block found for hash %s", blockHash)
	}
	return nil
}
