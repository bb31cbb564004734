package mining

import (
	"context"
	"sync"
	"time"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

// cadenceStore counts submissions per session within a rolling window.
type cadenceStore interface {
	RecordSubmission(ctx context.Context, sessionID string, window time.Duration) (int64, error)
	ClearSubmissions(ctx context.Context, sessionID string) error
}

// RetargetFunc pushes a new difficulty to a live session. Implementations
// send mining.set_difficulty; the change only applies to future shares.
type RetargetFunc func(sessionID string, difficulty float64)

// VardiffConfig tunes the cadence controller.
type VardiffConfig struct {
	// TargetInterval is the desired time between shares per session.
	TargetInterval time.Duration
	// Window is the measurement window submissions are counted over.
	Window        time.Duration
	MinDifficulty float64
	MaxDifficulty float64
}

// Controller observes submission cadence and retargets sessions that
// submit far faster or slower than the pool wants. It never touches the
// share currently in flight.
type Controller struct {
	store    cadenceStore
	cfg      VardiffConfig
	retarget RetargetFunc
	logger   *log.Logger

	mu     sync.Mutex
	starts map[string]time.Time
}

// NewController creates a cadence controller. retarget may be nil, in
// which case the controller only observes.
func NewController(store cadenceStore, cfg VardiffConfig, retarget RetargetFunc, logger *log.Logger) *Controller {
	if cfg.TargetInterval <= 0 {
		cfg.TargetInterval = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 90 * time.Second
	}
	if cfg.MinDifficulty <= 0 {
		cfg.MinDifficulty = 1
	}
	if cfg.MaxDifficulty <= 0 {
		cfg.MaxDifficulty = 1 << 20
	}
	return &Controller{
		store:    store,
		cfg:      cfg,
		retarget: retarget,
		logger:   logger.WithComponent("vardiff"),
		starts:   make(map[string]time.Time),
	}
}

// RecordSubmission tracks one submission. A session submitting more than
// twice the expected rate is retargeted upward; one running under half the
// desired rate across a full window is retargeted downward. Failures to
// reach the cadence store are logged and swallowed: cadence tracking must
// never reject a share.
func (c *Controller) RecordSubmission(ctx context.Context, sessionID, jobID, workerName string, difficulty float64, submitTime time.Time) {
	count, err := c.store.RecordSubmission(ctx, sessionID, c.cfg.Window)
	if err != nil {
		c.logger.WithError(err).Debug("cadence tracking unavailable", "session_id", sessionID)
		return
	}

	c.mu.Lock()
	start, seen := c.starts[sessionID]
	if !seen {
		c.starts[sessionID] = submitTime
	}
	c.mu.Unlock()

	expected := c.cfg.Window.Seconds() / c.cfg.TargetInterval.Seconds()
	elapsed := submitTime.Sub(start)

	switch {
	case float64(count) > expected*2:
		c.propose(ctx, sessionID, workerName, difficulty, difficulty*2)
	case seen && elapsed >= c.cfg.Window && float64(count)*2*c.cfg.TargetInterval.Seconds() < elapsed.Seconds():
		c.propose(ctx, sessionID, workerName, difficulty, difficulty/2)
	}
}

// propose clamps and applies a retarget, then restarts the measurement
// window for the session.
func (c *Controller) propose(ctx context.Context, sessionID, workerName string, current, proposed float64) {
	if proposed < c.cfg.MinDifficulty {
		proposed = c.cfg.MinDifficulty
	}
	if proposed > c.cfg.MaxDifficulty {
		proposed = c.cfg.MaxDifficulty
	}
	if proposed == current {
		return
	}

	c.logger.WithWorker(workerName).Info("retargeting session",
		"session_id", sessionID,
		"difficulty", current,
		"new_difficulty", proposed,
	)

	if c.retarget != nil {
		c.retarget(sessionID, proposed)
	}

	if err := c.store.ClearSubmissions(ctx, sessionID); err != nil {
		c.logger.WithError(err).Debug("failed to reset cadence window", "session_id", sessionID)
	}
	c.mu.Lock()
	delete(c.starts, sessionID)
	c.mu.Unlock()
}

// ForgetSession drops per-session tracking state on disconnect.
func (c *Controller) ForgetSession(ctx context.Context, sessionID string) {
	c.mu.Lock()
	delete(c.starts, sessionID)
	c.mu.Unlock()
	if err := c.store.ClearSubmissions(ctx, sessionID); err != nil {
		c.logger.WithError(err).Debug("failed to clear cadence state", "session_id", sessionID)
	}
}
