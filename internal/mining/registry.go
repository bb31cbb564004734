package mining

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/litecoin"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/messaging"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/stratum"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/errors"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

// templateSource is the slice of the daemon pool the registry uses.
type templateSource interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	SubmitBlock(ctx context.Context, blockHex string) error
}

// Job is one unit of work distributed to miners, plus the validation state
// the pool keeps for it.
type Job struct {
	ID           string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
	Height       int64
	CreatedAt    time.Time

	networkTarget *big.Int
	ntimeMin      uint32
	rawTxs        [][]byte

	mu   sync.Mutex
	seen map[string]struct{}
}

// markSeen registers a nonce tuple against the job and reports whether it
// was fresh.
func (j *Job) markSeen(key string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.seen[key]; dup {
		return false
	}
	j.seen[key] = struct{}{}
	return true
}

// Notify returns the stratum notification parameters for the job.
func (j *Job) Notify() *stratum.NotifyParams {
	return &stratum.NotifyParams{
		JobID:        j.ID,
		PrevHash:     j.PrevHash,
		Coinb1:       j.Coinb1,
		Coinb2:       j.Coinb2,
		MerkleBranch: j.MerkleBranch,
		Version:      j.Version,
		NBits:        j.NBits,
		NTime:        j.NTime,
		CleanJobs:    j.CleanJobs,
	}
}

// Transactions returns the hex-encoded template transactions carried by
// the job, coinbase excluded.
func (j *Job) Transactions() []string {
	out := make([]string, len(j.rawTxs))
	for i, tx := range j.rawTxs {
		out[i] = hex.EncodeToString(tx)
	}
	return out
}

// RegistryConfig tunes job construction and share validation.
type RegistryConfig struct {
	PoolAddress     string
	ChainParams     *chaincfg.Params
	Extranonce1Size int
	Extranonce2Size int
	// MaxNTimeDrift bounds how far into the future a share's ntime may
	// run ahead of the pool clock.
	MaxNTimeDrift time.Duration
	// JobRetention is how many jobs stay submittable within one block
	// height; older ones become stale.
	JobRetention  int
	SubmitTimeout time.Duration
}

// Registry owns the job set built from litecoind block templates and
// validates shares against it.
type Registry struct {
	daemons templateSource
	bus     eventBus
	cfg     RegistryConfig
	clock   stratum.Clock
	logger  *log.Logger

	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	height int64
	jobSeq uint64
}

// NewRegistry creates a job registry over the daemon pool. bus may be nil
// when job fan-out over the broker is not wanted.
func NewRegistry(daemons templateSource, bus eventBus, cfg RegistryConfig, clock stratum.Clock, logger *log.Logger) *Registry {
	if cfg.ChainParams == nil {
		cfg.ChainParams = litecoin.MainNetParams
	}
	if cfg.Extranonce1Size <= 0 {
		cfg.Extranonce1Size = 4
	}
	if cfg.Extranonce2Size <= 0 {
		cfg.Extranonce2Size = 4
	}
	if cfg.MaxNTimeDrift <= 0 {
		cfg.MaxNTimeDrift = 2 * time.Minute
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 8
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = stratum.SystemClock{}
	}
	return &Registry{
		daemons: daemons,
		bus:     bus,
		cfg:     cfg,
		clock:   clock,
		logger:  logger.WithComponent("registry"),
		jobs:    make(map[string]*Job),
	}
}

// RefreshTemplate pulls a fresh block template and installs it as the
// current job. Moving to a new height invalidates every older job.
func (r *Registry) RefreshTemplate(ctx context.Context) error {
	tmpl, err := r.daemons.GetBlockTemplate(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeLitecoin, "refresh_template",
			"getblocktemplate failed")
	}

	job, err := r.buildJob(tmpl)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if job.CleanJobs {
		r.jobs = make(map[string]*Job)
		r.order = nil
	}
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	for len(r.order) > r.cfg.JobRetention {
		delete(r.jobs, r.order[0])
		r.order = r.order[1:]
	}
	r.height = job.Height
	r.mu.Unlock()

	r.logger.Info("job installed",
		"job_id", job.ID,
		"height", job.Height,
		"clean_jobs", job.CleanJobs,
		"transactions", len(job.rawTxs),
	)

	if r.bus != nil {
		msg := &messaging.JobMessage{
			JobID:        job.ID,
			PrevHash:     job.PrevHash,
			Coinb1:       job.Coinb1,
			Coinb2:       job.Coinb2,
			MerkleBranch: job.MerkleBranch,
			Version:      job.Version,
			NBits:        job.NBits,
			NTime:        job.NTime,
			CleanJobs:    job.CleanJobs,
			BlockHeight:  job.Height,
			CreatedAt:    job.CreatedAt,
		}
		if err := r.bus.Publish(ctx, messaging.TopicJobs, job.ID, msg); err != nil {
			r.logger.WithError(err).Warn("failed to publish job", "job_id", job.ID)
		}
	}

	return nil
}

// buildJob turns a block template into a stratum job.
func (r *Registry) buildJob(tmpl *btcjson.GetBlockTemplateResult) (*Job, error) {
	hashes, rawTxs, err := litecoin.TemplateTransactions(tmpl.Transactions)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLitecoin, "build_job",
			"bad template transactions")
	}

	var coinbaseValue int64
	if tmpl.CoinbaseValue != nil {
		coinbaseValue = *tmpl.CoinbaseValue
	}

	extranonceSize := r.cfg.Extranonce1Size + r.cfg.Extranonce2Size
	coinb1, coinb2, err := litecoin.BuildCoinbaseParts(
		tmpl.Height, coinbaseValue, r.cfg.PoolAddress, extranonceSize, r.cfg.ChainParams)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLitecoin, "build_job",
			"failed to build coinbase")
	}

	target, err := litecoin.CompactToTarget(tmpl.Bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLitecoin, "build_job",
			"bad template nbits")
	}

	ntimeMin := uint32(tmpl.CurTime)
	if tmpl.MinTime > 0 {
		ntimeMin = uint32(tmpl.MinTime)
	}

	r.mu.Lock()
	r.jobSeq++
	jobID := fmt.Sprintf("%x", r.jobSeq)
	cleanJobs := tmpl.Height != r.height
	r.mu.Unlock()

	return &Job{
		ID:            jobID,
		PrevHash:      tmpl.PreviousHash,
		Coinb1:        coinb1,
		Coinb2:        coinb2,
		MerkleBranch:  litecoin.MerkleBranchForCoinbase(hashes),
		Version:       fmt.Sprintf("%08x", tmpl.Version),
		NBits:         tmpl.Bits,
		NTime:         fmt.Sprintf("%08x", uint32(tmpl.CurTime)),
		CleanJobs:     cleanJobs,
		Height:        tmpl.Height,
		CreatedAt:     r.clock.Now(),
		networkTarget: target,
		ntimeMin:      ntimeMin,
		rawTxs:        rawTxs,
		seen:          make(map[string]struct{}),
	}, nil
}

// CurrentJob returns the most recently installed job, or nil.
func (r *Registry) CurrentJob() *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	return r.jobs[r.order[len(r.order)-1]]
}

// lookupJob returns a submittable job by ID.
func (r *Registry) lookupJob(jobID string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	return job, ok
}

// ValidateShare runs the policy and proof-of-work checks on a submission.
// The checks run in stale-job, format, ntime, duplicate, proof-of-work
// order, failing fast at the first violation.
func (r *Registry) ValidateShare(ctx context.Context, sub *stratum.ShareSubmission) (*stratum.ShareOutcome, error) {
	job, ok := r.lookupJob(sub.JobID)
	if !ok {
		return nil, stratum.NewRPCError(stratum.ErrorJobNotFound, "job not found")
	}

	if len(sub.Extranonce2) != r.cfg.Extranonce2Size*2 || !isHex(sub.Extranonce2) {
		return nil, stratum.NewRPCError(stratum.ErrorOther, "incorrect size of extranonce2")
	}

	ntime, err := parseNTime(sub.NTime)
	if err != nil {
		return nil, stratum.NewRPCError(stratum.ErrorOther, "malformed ntime")
	}
	maxNTime := uint32(r.clock.Now().Add(r.cfg.MaxNTimeDrift).Unix())
	if ntime < job.ntimeMin || ntime > maxNTime {
		return nil, stratum.NewRPCError(stratum.ErrorOther, "ntime out of range")
	}

	dupKey := strings.ToLower(sub.Extranonce1 + ":" + sub.Extranonce2 + ":" + sub.NTime + ":" + sub.Nonce)
	if !job.markSeen(dupKey) {
		return nil, stratum.NewRPCError(stratum.ErrorDuplicateShare, "duplicate share")
	}

	coinbaseHash, err := litecoin.CoinbaseHash(job.Coinb1, sub.Extranonce1, sub.Extranonce2, job.Coinb2)
	if err != nil {
		return nil, stratum.NewRPCError(stratum.ErrorOther, "malformed extranonce")
	}
	merkleRoot, err := litecoin.FoldMerkleBranch(coinbaseHash, job.MerkleBranch)
	if err != nil {
		return nil, stratum.NewRPCError(stratum.ErrorOther, "merkle computation failed")
	}
	header, err := litecoin.AssembleHeader(
		job.Version, job.PrevHash, merkleRoot.String(), sub.NTime, sub.Nonce, job.NBits)
	if err != nil {
		return nil, stratum.NewRPCError(stratum.ErrorOther, "malformed header fields")
	}
	powHash, err := litecoin.PowHash(header)
	if err != nil {
		return nil, stratum.NewRPCError(stratum.ErrorOther, "proof of work computation failed")
	}

	shareDiff := litecoin.HashDifficulty(powHash)

	// A share that misses the current target may still be credited at
	// the previous difficulty while a retarget is in flight to the miner.
	var oldDifficulty float64
	if !litecoin.HashMeetsTarget(powHash, litecoin.DifficultyToTarget(sub.Difficulty)) {
		graced := sub.PrevDifficulty > 0 &&
			sub.PrevDifficulty < sub.Difficulty &&
			litecoin.HashMeetsTarget(powHash, litecoin.DifficultyToTarget(sub.PrevDifficulty))
		if !graced {
			return nil, stratum.NewRPCError(stratum.ErrorLowDifficulty,
				fmt.Sprintf("share difficulty %g below target %g", shareDiff, sub.Difficulty))
		}
		oldDifficulty = sub.PrevDifficulty
	}

	blockHash := chainhash.DoubleHashH(header).String()
	outcome := &stratum.ShareOutcome{
		BlockHeader:     hex.EncodeToString(header),
		BlockHash:       blockHash,
		ShareDifficulty: shareDiff,
		OldDifficulty:   oldDifficulty,
	}

	if litecoin.HashMeetsTarget(powHash, job.networkTarget) {
		coinbaseRaw, err := hex.DecodeString(job.Coinb1 + sub.Extranonce1 + sub.Extranonce2 + job.Coinb2)
		if err != nil {
			return nil, stratum.NewRPCError(stratum.ErrorOther, "malformed coinbase")
		}
		blockHex, err := litecoin.BuildBlockHex(header, coinbaseRaw, job.rawTxs)
		if err != nil {
			return nil, stratum.NewRPCError(stratum.ErrorOther, "block assembly failed")
		}

		pending := stratum.NewPendingBlock()
		outcome.Pending = pending
		go r.submitBlock(blockHex, blockHash, pending)
	}

	return outcome, nil
}

// submitBlock relays a solved block upstream and settles the pending
// handle with the result. It runs detached from the submitting session.
func (r *Registry) submitBlock(blockHex, blockHash string, pending *stratum.PendingBlock) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SubmitTimeout)
	defer cancel()

	if err := r.daemons.SubmitBlock(ctx, blockHex); err != nil {
		r.logger.WithError(err).Error("block submission rejected", "block_hash", blockHash)
		pending.Resolve(stratum.ConfirmationResult{Accepted: false, Message: err.Error()})
		return
	}

	r.logger.Info("block submission accepted", "block_hash", blockHash)
	pending.Resolve(stratum.ConfirmationResult{Accepted: true})
}

func parseNTime(s string) (uint32, error) {
	if len(s) != 8 || !isHex(s) {
		return 0, fmt.Errorf("ntime must be 8 hex chars")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
