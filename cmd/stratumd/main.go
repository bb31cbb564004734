// stratumd is the pool-facing stratum server. It accepts miner
// connections, drives the session handler, distributes jobs and pushes
// difficulty retargets.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/config"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/influx"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/postgres"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/redis"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/litecoin"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/messaging"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/mining"
	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/stratum"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

const (
	templatePollInterval = 30 * time.Second
	healthProbeInterval  = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting stratumd",
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"environment", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
	defer kafkaClient.Close()

	dbManager, err := database.NewManager(&database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect storage backends")
		os.Exit(1)
	}
	defer dbManager.Close()

	daemons := litecoin.NewDaemonPool(logger)
	defer daemons.Close()
	if err := daemons.AddConnection(ctx, cfg.LitecoindHost, cfg.LitecoindPort,
		cfg.LitecoindUser, cfg.LitecoindPassword); err != nil {
		logger.WithError(err).Error("failed to connect litecoind")
		os.Exit(1)
	}

	allocator, err := mining.NewAllocator(dbManager.Redis, cfg.Extranonce1Size, cfg.Extranonce2Size, logger)
	if err != nil {
		logger.WithError(err).Error("invalid extranonce configuration")
		os.Exit(1)
	}

	registry := mining.NewRegistry(daemons, kafkaClient, mining.RegistryConfig{
		PoolAddress:     cfg.PoolAddress,
		ChainParams:     litecoin.MainNetParams,
		Extranonce1Size: cfg.Extranonce1Size,
		Extranonce2Size: cfg.Extranonce2Size,
		MaxNTimeDrift:   cfg.MaxNTimeDrift,
	}, nil, logger)

	recorder := mining.NewRecorder(dbManager.Shares, dbManager.Blocks, dbManager.Influx, kafkaClient, logger)

	server := NewStratumServer(cfg, logger, registry)

	vardiff := mining.NewController(dbManager.Redis, mining.VardiffConfig{
		TargetInterval: cfg.VardiffTarget,
		Window:         cfg.VardiffWindow,
		MinDifficulty:  cfg.MinDifficulty,
		MaxDifficulty:  cfg.MaxDifficulty,
	}, server.RetargetSession, logger)

	handler := stratum.NewHandler(stratum.Deps{
		Auth:              mining.NewAuthenticator(dbManager.Workers, logger),
		Extranonce:        allocator,
		Validator:         registry,
		Rate:              vardiff,
		Recorder:          recorder,
		Daemons:           daemons,
		Logger:            logger,
		InitialDifficulty: cfg.PoolTarget,
	})
	server.handler = handler
	server.vardiff = vardiff

	if err := registry.RefreshTemplate(ctx); err != nil {
		logger.WithError(err).Warn("initial block template fetch failed")
	}

	watcher, err := litecoin.NewBlockWatcher(cfg.LitecoindZMQAddr, logger, func(blockHash string) error {
		logger.Info("new block notification", "block_hash", blockHash)
		refreshCtx, refreshCancel := context.WithTimeout(ctx, 10*time.Second)
		defer refreshCancel()
		return registry.RefreshTemplate(refreshCtx)
	})
	if err != nil {
		logger.WithError(err).Error("failed to create block watcher")
		os.Exit(1)
	}
	if err := watcher.Connect(); err != nil {
		logger.WithError(err).Error("failed to connect block watcher")
		os.Exit(1)
	}
	go func() {
		if err := watcher.Listen(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("block watcher stopped")
		}
	}()
	defer watcher.Close()

	// ZMQ can drop notifications; poll the template as a fallback.
	go func() {
		ticker := time.NewTicker(templatePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 10*time.Second)
				if err := registry.RefreshTemplate(refreshCtx); err != nil {
					logger.WithError(err).Warn("template poll failed")
				}
				refreshCancel()
			}
		}
	}()

	// Probe upstream and storage health so failures surface in the logs
	// before miners notice them.
	go func() {
		ticker := time.NewTicker(healthProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
				if err := daemons.Ping(probeCtx); err != nil {
					logger.WithError(err).Warn("litecoind health check failed")
				}
				if err := dbManager.Health(probeCtx); err != nil {
					logger.WithError(err).Warn("storage health check failed")
				}
				probeCancel()
			}
		}
	}()

	go server.consumeJobs(ctx, kafkaClient, cfg.KafkaGroupID)

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("failed to start stratum server")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	server.Shutdown(30 * time.Second)
	logger.Info("stratumd stopped")
}

// StratumServer owns the TCP listener and the live session set. It parses
// stratum requests, enforces the admin gate and delegates the protocol
// semantics to the session handler.
type StratumServer struct {
	cfg     *config.Config
	logger  *log.Logger
	handler *stratum.Handler
	vardiff *mining.Controller
	jobs    *mining.Registry

	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*stratum.Session

	wg sync.WaitGroup
}

// NewStratumServer creates a server without starting the listener. The
// handler and vardiff controller are attached by the caller once their
// own dependency cycles are resolved.
func NewStratumServer(cfg *config.Config, logger *log.Logger, jobs *mining.Registry) *StratumServer {
	return &StratumServer{
		cfg:      cfg,
		logger:   logger.WithComponent("server"),
		jobs:     jobs,
		sessions: make(map[string]*stratum.Session),
	}
}

// Start opens the listener and begins accepting connections.
func (s *StratumServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("stratum server listening", "addr", addr)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *StratumServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.WithError(err).Warn("accept failed")
			continue
		}

		s.mu.RLock()
		count := len(s.sessions)
		s.mu.RUnlock()
		if count >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *StratumServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sessionID := generateSessionID()
	sess := stratum.NewSession(sessionID, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	sess.SetAdmin(s.isAdminHost(sess.RemoteHost()))

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.logger.LogConnection("connected", conn.RemoteAddr().String())

	err := sess.Start(ctx, s)
	if err != nil && ctx.Err() == nil {
		s.logger.WithSession(sessionID, conn.RemoteAddr().String()).
			WithError(err).Debug("session ended")
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.handler.ReleaseSession(cleanupCtx, sess)
	s.vardiff.ForgetSession(cleanupCtx, sessionID)
	cleanupCancel()

	s.logger.LogConnection("disconnected", conn.RemoteAddr().String())
}

func (s *StratumServer) isAdminHost(host string) bool {
	for _, h := range s.cfg.AdminHosts {
		if h == host {
			return true
		}
	}
	return false
}

// HandleMessage dispatches one stratum request from a session.
func (s *StratumServer) HandleMessage(ctx context.Context, sess *stratum.Session, msg *stratum.Message) error {
	switch msg.Method {
	case stratum.MethodSubscribe:
		return s.handleSubscribe(ctx, sess, msg)
	case stratum.MethodAuthorize:
		return s.handleAuthorize(ctx, sess, msg)
	case stratum.MethodSubmit:
		return s.handleSubmit(ctx, sess, msg)
	case stratum.MethodGetTransactions:
		return s.handleGetTransactions(sess, msg)
	case stratum.MethodUpdateBlock:
		return s.handleUpdateBlock(ctx, sess, msg)
	case stratum.MethodAddLitecoind:
		return s.handleAddLitecoind(ctx, sess, msg)
	default:
		return sess.SendError(msg.ID, stratum.ErrorMethodNotFound,
			fmt.Sprintf("unknown method: %s", msg.Method))
	}
}

func (s *StratumServer) handleSubscribe(ctx context.Context, sess *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseSubscribeRequest(msg.Params)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}

	result, err := s.handler.Subscribe(ctx, sess, req)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}
	if err := sess.SendResponse(msg.ID, result.Result()); err != nil {
		return err
	}

	// New subscribers get the difficulty and the current job immediately
	// so they can start mining before the next broadcast.
	if err := sess.SendNotification(stratum.MethodSetDifficulty, []any{sess.Difficulty()}); err != nil {
		return err
	}
	if job := s.jobs.CurrentJob(); job != nil {
		return sess.SendNotification(stratum.MethodNotify, job.Notify().Params())
	}
	return nil
}

func (s *StratumServer) handleAuthorize(ctx context.Context, sess *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}

	ok, err := s.handler.Authorize(ctx, sess, req)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}
	return sess.SendResponse(msg.ID, ok)
}

func (s *StratumServer) handleSubmit(ctx context.Context, sess *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}

	ok, err := s.handler.Submit(ctx, sess, req)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}
	return sess.SendResponse(msg.ID, ok)
}

func (s *StratumServer) handleGetTransactions(sess *stratum.Session, msg *stratum.Message) error {
	jobID := ""
	if len(msg.Params) > 0 {
		jobID, _ = msg.Params[0].(string)
	}
	job := s.jobs.CurrentJob()
	if job == nil || (jobID != "" && jobID != job.ID) {
		return sess.SendResponse(msg.ID, []string{})
	}
	return sess.SendResponse(msg.ID, job.Transactions())
}

func (s *StratumServer) handleUpdateBlock(ctx context.Context, sess *stratum.Session, msg *stratum.Message) error {
	if !sess.IsAdmin() {
		return s.sendRPCError(sess, msg.ID, stratum.ErrNotPermitted(stratum.MethodUpdateBlock))
	}

	ok, err := s.handler.RefreshBlockTemplate(ctx)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}
	return sess.SendResponse(msg.ID, ok)
}

func (s *StratumServer) handleAddLitecoind(ctx context.Context, sess *stratum.Session, msg *stratum.Message) error {
	if !sess.IsAdmin() {
		return s.sendRPCError(sess, msg.ID, stratum.ErrNotPermitted(stratum.MethodAddLitecoind))
	}

	req, err := stratum.ParseAddDaemonRequest(msg.Params)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}

	ok, err := s.handler.AddDaemon(ctx, req)
	if err != nil {
		return s.sendRPCError(sess, msg.ID, err)
	}
	return sess.SendResponse(msg.ID, ok)
}

func (s *StratumServer) sendRPCError(sess *stratum.Session, id any, err error) error {
	rpcErr := stratum.AsRPCError(err)
	return sess.SendError(id, rpcErr.Code, rpcErr.Message)
}

// RetargetSession pushes a new share difficulty to a live session. The
// new value applies to the next job the miner works on; shares at the
// previous difficulty stay valid through the grace window.
func (s *StratumServer) RetargetSession(sessionID string, difficulty float64) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	sess.SetDifficulty(difficulty)
	if err := sess.SendNotification(stratum.MethodSetDifficulty, []any{difficulty}); err != nil {
		s.logger.WithSession(sessionID, sess.RemoteAddr()).
			WithError(err).Warn("failed to push difficulty")
	}
}

// consumeJobs reads job announcements from the bus and broadcasts them to
// every subscribed session.
func (s *StratumServer) consumeJobs(ctx context.Context, kafkaClient *messaging.KafkaClient, groupID string) {
	reader := kafkaClient.GetConsumer(messaging.TopicJobs, groupID)
	for {
		var jobMsg messaging.JobMessage
		if _, err := kafkaClient.Consume(ctx, reader, &jobMsg); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("job consume failed")
			time.Sleep(time.Second)
			continue
		}
		s.broadcastJob(&jobMsg)
	}
}

func (s *StratumServer) broadcastJob(jobMsg *messaging.JobMessage) {
	notify := &stratum.NotifyParams{
		JobID:        jobMsg.JobID,
		PrevHash:     jobMsg.PrevHash,
		Coinb1:       jobMsg.Coinb1,
		Coinb2:       jobMsg.Coinb2,
		MerkleBranch: jobMsg.MerkleBranch,
		Version:      jobMsg.Version,
		NBits:        jobMsg.NBits,
		NTime:        jobMsg.NTime,
		CleanJobs:    jobMsg.CleanJobs,
	}
	params := notify.Params()

	s.mu.RLock()
	targets := make([]*stratum.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Subscribed() {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.SendNotification(stratum.MethodNotify, params); err != nil {
			s.logger.WithSession(sess.ID(), sess.RemoteAddr()).
				WithError(err).Debug("job broadcast failed")
		}
	}
	s.logger.LogJobBroadcast(jobMsg.JobID, jobMsg.CleanJobs, len(targets))
}

// Shutdown closes the listener, disconnects every session and waits for
// connection goroutines to drain.
func (s *StratumServer) Shutdown(timeout time.Duration) {
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("shutdown timed out waiting for sessions")
	}
}

func generateSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
