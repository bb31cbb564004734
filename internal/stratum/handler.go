package stratum

import (
	"context"
	"time"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

// confirmationTimeout bounds the outcome write after a block submission
// settles.
const confirmationTimeout = 30 * time.Second

// Deps are the collaborators the handler drives. Every dependency is
// explicit; nothing is reached through globals.
type Deps struct {
	Auth       WorkerAuthenticator
	Extranonce ExtranonceAllocator
	Validator  ShareValidator
	Rate       RateController
	Recorder   OutcomeRecorder
	Daemons    DaemonRegistry
	Clock      Clock
	Logger     *log.Logger

	// InitialDifficulty is assigned to every session at subscribe time.
	InitialDifficulty float64
}

// Handler implements the pool-side semantics of the stratum mining
// methods. It owns no I/O; the server layer parses requests, invokes the
// handler and writes replies.
type Handler struct {
	deps   Deps
	logger *log.Logger
}

// NewHandler creates a handler over an explicit dependency set.
func NewHandler(deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.InitialDifficulty <= 0 {
		deps.InitialDifficulty = 16
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New("stratum", "info", "json")
	}
	return &Handler{
		deps:   deps,
		logger: logger.WithComponent("handler"),
	}
}

// SubscribeResult is the payload of a successful mining.subscribe.
type SubscribeResult struct {
	SubscriptionID  string
	Extranonce1     string
	Extranonce2Size int
}

// Result returns the subscribe payload in stratum wire order.
func (r *SubscribeResult) Result() []any {
	return []any{
		[]any{
			[]any{MethodSetDifficulty, r.SubscriptionID},
			[]any{MethodNotify, r.SubscriptionID},
		},
		r.Extranonce1,
		r.Extranonce2Size,
	}
}

// Subscribe allocates a fresh extranonce1 for the session and assigns the
// starting difficulty. A re-subscribe releases the previously held
// extranonce1 so the value is not leaked for the lifetime of the pool.
func (h *Handler) Subscribe(ctx context.Context, sess *Session, req *SubscribeRequest) (*SubscribeResult, error) {
	extranonce1, err := h.deps.Extranonce.Allocate(ctx)
	if err != nil {
		h.logger.WithError(err).Error("extranonce allocation failed")
		return nil, NewRPCError(ErrorOther, "failed to allocate extranonce")
	}

	if req != nil && req.UserAgent != "" {
		sess.SetUserAgent(req.UserAgent)
	}

	if prev := sess.SetExtranonce1(extranonce1); prev != "" {
		if err := h.deps.Extranonce.Release(ctx, prev); err != nil {
			h.logger.WithError(err).Warn("failed to release extranonce1", "extranonce1", prev)
		}
	}
	sess.InitDifficulty(h.deps.InitialDifficulty)

	return &SubscribeResult{
		SubscriptionID:  sess.ID(),
		Extranonce1:     extranonce1,
		Extranonce2Size: h.deps.Extranonce.Extranonce2Size(),
	}, nil
}

// Authorize checks the worker's credentials. On success the worker is
// recorded on the session; on failure any prior authorization for that
// worker is revoked. The reply is a plain boolean either way; only a
// failure of the check itself produces an error.
func (h *Handler) Authorize(ctx context.Context, sess *Session, req *AuthorizeRequest) (bool, error) {
	ok, err := h.deps.Auth.Authenticate(ctx, req.WorkerName, req.Password)
	if err != nil {
		h.logger.WithError(err).WithWorker(req.WorkerName).Error("authentication check failed")
		sess.RevokeAuthorization(req.WorkerName)
		return false, NewRPCError(ErrorOther, "authorization temporarily unavailable")
	}

	if !ok {
		sess.RevokeAuthorization(req.WorkerName)
		h.logger.WithWorker(req.WorkerName).Info("authorization denied")
		return false, nil
	}

	sess.MarkAuthorized(req.WorkerName, req.Password)
	h.logger.WithWorker(req.WorkerName).Info("worker authorized")
	return true, nil
}

// Submit runs the share submission pipeline. The steps are strictly
// ordered and fail fast: authorization, subscription, state snapshot,
// cadence tracking, validation, outcome recording, block continuation,
// reply. Every rejection is recorded before the error reply goes out.
func (h *Handler) Submit(ctx context.Context, sess *Session, req *SubmitRequest) (bool, error) {
	now := h.deps.Clock.Now()
	remoteAddr := sess.RemoteHost()

	// Step 1: the named worker must hold a still-valid authorization on
	// this session. A credential that no longer authenticates is revoked
	// here, so a deactivated worker stops mining on its next share.
	password, authorized := sess.Credential(req.WorkerName)
	if authorized {
		ok, err := h.deps.Auth.Authenticate(ctx, req.WorkerName, password)
		if err != nil {
			h.logger.WithError(err).WithWorker(req.WorkerName).Error("reauthorization check failed")
			authorized = false
		} else if !ok {
			sess.RevokeAuthorization(req.WorkerName)
			authorized = false
		}
	}
	if !authorized {
		rpcErr := ErrUnauthorizedWorker(req.WorkerName)
		h.recordRejected(ctx, sess, req, sess.Difficulty(), now, remoteAddr, rpcErr)
		return false, rpcErr
	}

	// Step 2: the session must hold an extranonce1.
	if !sess.Subscribed() {
		rpcErr := ErrNotSubscribed()
		h.recordRejected(ctx, sess, req, sess.Difficulty(), now, remoteAddr, rpcErr)
		return false, rpcErr
	}

	// Step 3: snapshot session state for the rest of the pipeline.
	difficulty, prevDifficulty := sess.DifficultySnapshot()
	extranonce1 := sess.Extranonce1()

	// Step 4: cadence tracking. Fire-and-forget: a retarget triggered
	// here only affects future submissions.
	h.deps.Rate.RecordSubmission(ctx, sess.ID(), req.JobID, req.WorkerName, difficulty, now)

	// Step 5: validation against the snapshotted state.
	sub := &ShareSubmission{
		SessionID:      sess.ID(),
		WorkerName:     req.WorkerName,
		JobID:          req.JobID,
		Extranonce1:    extranonce1,
		Extranonce2:    req.ExtraNonce2,
		NTime:          req.NTime,
		Nonce:          req.Nonce,
		Difficulty:     difficulty,
		PrevDifficulty: prevDifficulty,
		SubmittedAt:    now,
		RemoteAddr:     remoteAddr,
	}

	outcome, err := h.deps.Validator.ValidateShare(ctx, sub)
	if err != nil {
		rpcErr := AsRPCError(err)
		h.recordRejected(ctx, sess, req, difficulty, now, remoteAddr, rpcErr)
		h.logger.LogShareDecision(req.WorkerName, req.JobID, difficulty, 0, false, rpcErr.Message)
		return false, rpcErr
	}

	// Step 6: record the accepted share. A share that only met the
	// previous target is credited at that difficulty.
	credited := difficulty
	if outcome.OldDifficulty != 0 {
		credited = outcome.OldDifficulty
	}
	record := &ShareRecord{
		WorkerName:      req.WorkerName,
		JobID:           req.JobID,
		BlockHeader:     outcome.BlockHeader,
		BlockHash:       outcome.BlockHash,
		Difficulty:      credited,
		ShareDifficulty: outcome.ShareDifficulty,
		Accepted:        true,
		RemoteAddr:      remoteAddr,
		SubmittedAt:     now,
	}
	if err := h.deps.Recorder.RecordShare(ctx, record); err != nil {
		h.logger.WithError(err).Error("failed to record accepted share")
	}
	h.logger.LogShareDecision(req.WorkerName, req.JobID, credited, outcome.ShareDifficulty, true, "")

	// Step 7: if the share solved a block, follow the upstream
	// submission to its conclusion. The continuation outlives the
	// session and the synchronous reply below.
	if outcome.Pending != nil {
		h.logger.LogBlockSolved(outcome.BlockHash, req.WorkerName, req.JobID, outcome.ShareDifficulty)
		conf := &BlockConfirmation{
			WorkerName:      req.WorkerName,
			BlockHeader:     outcome.BlockHeader,
			BlockHash:       outcome.BlockHash,
			ShareDifficulty: outcome.ShareDifficulty,
			RemoteAddr:      remoteAddr,
			SubmittedAt:     now,
		}
		go h.awaitConfirmation(outcome.Pending, conf)
	}

	// Step 8: the miner sees a plain acceptance.
	return true, nil
}

// recordRejected persists a rejected submission. Recording is best-effort
// and never changes the error returned to the miner.
func (h *Handler) recordRejected(ctx context.Context, sess *Session, req *SubmitRequest, difficulty float64, now time.Time, remoteAddr string, rpcErr *RPCError) {
	record := &ShareRecord{
		WorkerName:   req.WorkerName,
		JobID:        req.JobID,
		Difficulty:   difficulty,
		Accepted:     false,
		ErrorMessage: rpcErr.Message,
		RemoteAddr:   remoteAddr,
		SubmittedAt:  now,
	}
	if err := h.deps.Recorder.RecordShare(ctx, record); err != nil {
		h.logger.WithError(err).Error("failed to record rejected share")
	}
}

// awaitConfirmation records the settled outcome of a block submission. It
// runs detached from the submitting session.
func (h *Handler) awaitConfirmation(pending *PendingBlock, conf *BlockConfirmation) {
	res := <-pending.Done()
	conf.Accepted = res.Accepted
	conf.Message = res.Message

	ctx, cancel := context.WithTimeout(context.Background(), confirmationTimeout)
	defer cancel()

	if err := h.deps.Recorder.RecordBlockConfirmation(ctx, conf); err != nil {
		h.logger.WithError(err).Error("failed to record block confirmation",
			"block_hash", conf.BlockHash)
	}
	h.logger.Info("block submission settled",
		"block_hash", conf.BlockHash,
		"accepted", conf.Accepted,
		"message", conf.Message,
	)
}

// RefreshBlockTemplate pulls a fresh template and installs it as the
// current job. It backs the admin-triggered mining.update_block as well as
// the blocknotify path.
func (h *Handler) RefreshBlockTemplate(ctx context.Context) (bool, error) {
	if err := h.deps.Validator.RefreshTemplate(ctx); err != nil {
		h.logger.WithError(err).Error("template refresh failed")
		return false, NewRPCError(ErrorOther, "failed to refresh block template")
	}
	return true, nil
}

// AddDaemon registers an additional litecoind backend. Parameter validation
// happens at parse time; by the time this runs the request is well-formed.
func (h *Handler) AddDaemon(ctx context.Context, req *AddDaemonRequest) (bool, error) {
	if err := h.deps.Daemons.AddConnection(ctx, req.Host, req.Port, req.User, req.Password); err != nil {
		h.logger.WithError(err).Error("failed to add litecoind backend",
			"host", req.Host, "port", req.Port)
		return false, NewRPCError(ErrorOther, "failed to connect to litecoind")
	}
	h.logger.Info("litecoind backend added", "host", req.Host, "port", req.Port)
	return true, nil
}

// ReleaseSession returns session-held resources on disconnect.
func (h *Handler) ReleaseSession(ctx context.Context, sess *Session) {
	if extranonce1 := sess.Extranonce1(); extranonce1 != "" {
		if err := h.deps.Extranonce.Release(ctx, extranonce1); err != nil {
			h.logger.WithError(err).Warn("failed to release extranonce1 on disconnect",
				"extranonce1", extranonce1)
		}
	}
}
