package stratum

import (
	"context"
	"sync"
	"time"
)

// ShareSubmission carries one mining.submit together with the session state
// snapshotted when the submission was dispatched. Later changes to the
// session do not affect an in-flight submission.
type ShareSubmission struct {
	SessionID   string
	WorkerName  string
	JobID       string
	Extranonce1 string
	Extranonce2 string
	NTime       string
	Nonce       string

	// Difficulty is the session difficulty at dispatch. PrevDifficulty is
	// the difficulty in force before the most recent retarget, or 0 when
	// the session never retargeted.
	Difficulty     float64
	PrevDifficulty float64

	SubmittedAt time.Time
	RemoteAddr  string
}

// ShareOutcome is the validator's verdict on an accepted share.
type ShareOutcome struct {
	BlockHeader     string
	BlockHash       string
	ShareDifficulty float64

	// OldDifficulty is non-zero when the share only met the session's
	// previous target during a retarget window; the share is then
	// credited at that difficulty instead of the current one.
	OldDifficulty float64

	// Pending is non-nil when the share solved a block. It resolves once
	// the upstream submission settles, independent of the session that
	// produced the share.
	Pending *PendingBlock
}

// ConfirmationResult is the settled outcome of an upstream block submission.
type ConfirmationResult struct {
	Accepted bool
	Message  string
}

// PendingBlock is a one-shot handle for an in-flight block submission.
// Resolve delivers the result exactly once; later calls are no-ops.
type PendingBlock struct {
	done chan ConfirmationResult
	once sync.Once
}

// NewPendingBlock creates an unresolved pending block handle.
func NewPendingBlock() *PendingBlock {
	return &PendingBlock{done: make(chan ConfirmationResult, 1)}
}

// Resolve settles the pending block. Only the first call has effect.
func (p *PendingBlock) Resolve(res ConfirmationResult) {
	p.once.Do(func() {
		p.done <- res
		close(p.done)
	})
}

// Done returns a channel that receives the confirmation result once.
func (p *PendingBlock) Done() <-chan ConfirmationResult {
	return p.done
}

// ShareRecord is the persisted outcome of a share submission, accepted or
// rejected.
type ShareRecord struct {
	WorkerName      string
	JobID           string
	BlockHeader     string
	BlockHash       string
	Difficulty      float64
	ShareDifficulty float64
	Accepted        bool
	ErrorMessage    string
	RemoteAddr      string
	SubmittedAt     time.Time
}

// BlockConfirmation is the persisted outcome of an upstream block
// submission for a share that solved a block.
type BlockConfirmation struct {
	WorkerName      string
	BlockHeader     string
	BlockHash       string
	ShareDifficulty float64
	Accepted        bool
	Message         string
	RemoteAddr      string
	SubmittedAt     time.Time
}

// WorkerAuthenticator checks worker credentials against the pool's worker
// store. A false result with a nil error means the credentials were simply
// wrong; an error means the check itself could not be performed.
type WorkerAuthenticator interface {
	Authenticate(ctx context.Context, workerName, password string) (bool, error)
}

// ExtranonceAllocator issues pool-wide-unique extranonce1 values and takes
// them back when a session releases or abandons one.
type ExtranonceAllocator interface {
	Allocate(ctx context.Context) (string, error)
	Release(ctx context.Context, extranonce1 string) error
	Extranonce2Size() int
}

// ShareValidator validates submissions against the current job set and
// relays solved blocks upstream.
type ShareValidator interface {
	// RefreshTemplate pulls a fresh block template from the daemons and
	// installs it as the current job.
	RefreshTemplate(ctx context.Context) error

	// ValidateShare runs the cryptographic and policy checks on a
	// submission. It returns an outcome on acceptance and an RPCError on
	// rejection.
	ValidateShare(ctx context.Context, sub *ShareSubmission) (*ShareOutcome, error)
}

// RateController observes submission cadence. It is fire-and-forget with
// respect to the current submission: any retarget it triggers only affects
// future shares.
type RateController interface {
	RecordSubmission(ctx context.Context, sessionID, jobID, workerName string, difficulty float64, submitTime time.Time)
}

// OutcomeRecorder persists share outcomes and block confirmations.
// Recording failures never affect the miner-facing reply.
type OutcomeRecorder interface {
	RecordShare(ctx context.Context, rec *ShareRecord) error
	RecordBlockConfirmation(ctx context.Context, rec *BlockConfirmation) error
}

// DaemonRegistry registers additional litecoind backends at runtime.
type DaemonRegistry interface {
	AddConnection(ctx context.Context, host string, port int, user, password string) error
}

// Clock abstracts time for the submission pipeline.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
