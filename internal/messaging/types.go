package messaging

import "time"

// JobMessage is a mining job distributed to stratum sessions.
type JobMessage struct {
	JobID        string    `json:"job_id"`
	PrevHash     string    `json:"prev_hash"`
	Coinb1       string    `json:"coinb1"`
	Coinb2       string    `json:"coinb2"`
	MerkleBranch []string  `json:"merkle_branch"`
	Version      string    `json:"version"`
	NBits        string    `json:"nbits"`
	NTime        string    `json:"ntime"`
	CleanJobs    bool      `json:"clean_jobs"`
	BlockHeight  int64     `json:"block_height"`
	CreatedAt    time.Time `json:"created_at"`
}

// ShareResultMessage is the accept/reject decision for one submission.
// Rejected shares are published too, for abuse tracking.
type ShareResultMessage struct {
	WorkerName      string    `json:"worker_name"`
	JobID           string    `json:"job_id"`
	BlockHeader     string    `json:"block_header,omitempty"`
	BlockHash       string    `json:"block_hash,omitempty"`
	Difficulty      float64   `json:"difficulty"`
	ShareDifficulty float64   `json:"share_difficulty"`
	Accepted        bool      `json:"accepted"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	RemoteAddr      string    `json:"remote_addr"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// BlockResultMessage is the upstream confirmation for a solved block.
type BlockResultMessage struct {
	WorkerName      string    `json:"worker_name"`
	BlockHeader     string    `json:"block_header"`
	BlockHash       string    `json:"block_hash"`
	Accepted        bool      `json:"accepted"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ShareDifficulty float64   `json:"share_difficulty"`
	RemoteAddr      string    `json:"remote_addr"`
	SubmittedAt     time.Time `json:"submitted_at"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}
