package postgres

import "time"

// Worker is a registered mining worker with its credential.
type Worker struct {
	ID         int64      `db:"id"`
	Name       string     `db:"name"`
	Password   string     `db:"password"`
	IsActive   bool       `db:"is_active"`
	CreatedAt  time.Time  `db:"created_at"`
	LastSeenAt *time.Time `db:"last_seen_at"`
}

// ShareRecord is a persisted accept/reject decision for one submission.
type ShareRecord struct {
	ID              int64     `db:"id"`
	WorkerName      string    `db:"worker_name"`
	JobID           string    `db:"job_id"`
	BlockHeader     string    `db:"block_header"`
	BlockHash       string    `db:"block_hash"`
	Difficulty      float64   `db:"difficulty"`
	ShareDifficulty float64   `db:"share_difficulty"`
	Accepted        bool      `db:"accepted"`
	ErrorMessage    string    `db:"error_message"`
	RemoteAddr      string    `db:"remote_addr"`
	SubmittedAt     time.Time `db:"submitted_at"`
}

// BlockRecord is a block solution relayed upstream and its confirmation state.
type BlockRecord struct {
	ID              int64      `db:"id"`
	WorkerName      string     `db:"worker_name"`
	BlockHeader     string     `db:"block_header"`
	BlockHash       string     `db:"block_hash"`
	ShareDifficulty float64    `db:"share_difficulty"`
	Status          string     `db:"status"` // pending, accepted, rejected
	ErrorMessage    string     `db:"error_message"`
	RemoteAddr      string     `db:"remote_addr"`
	SubmittedAt     time.Time  `db:"submitted_at"`
	ConfirmedAt     *time.Time `db:"confirmed_at"`
}
