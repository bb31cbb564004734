package stratum

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- handwritten mocks ---

type mockAuthenticator struct {
	mu    sync.Mutex
	ok    bool
	err   error
	calls []string
}

func (m *mockAuthenticator) Authenticate(_ context.Context, workerName, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, workerName)
	return m.ok, m.err
}

type mockAllocator struct {
	next     int
	released []string
	err      error
	en2Size  int
}

func (m *mockAllocator) Allocate(_ context.Context) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.next++
	return []string{"", "00000001", "00000002", "00000003"}[m.next], nil
}

func (m *mockAllocator) Release(_ context.Context, extranonce1 string) error {
	m.released = append(m.released, extranonce1)
	return nil
}

func (m *mockAllocator) Extranonce2Size() int {
	if m.en2Size == 0 {
		return 4
	}
	return m.en2Size
}

type mockValidator struct {
	outcome    *ShareOutcome
	err        error
	got        *ShareSubmission
	refreshErr error
	refreshed  int
}

func (m *mockValidator) RefreshTemplate(_ context.Context) error {
	m.refreshed++
	return m.refreshErr
}

func (m *mockValidator) ValidateShare(_ context.Context, sub *ShareSubmission) (*ShareOutcome, error) {
	m.got = sub
	if m.err != nil {
		return nil, m.err
	}
	return m.outcome, nil
}

type rateCall struct {
	sessionID  string
	jobID      string
	workerName string
	difficulty float64
	submitTime time.Time
}

type mockRate struct {
	mu    sync.Mutex
	calls []rateCall
}

func (m *mockRate) RecordSubmission(_ context.Context, sessionID, jobID, workerName string, difficulty float64, submitTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, rateCall{sessionID, jobID, workerName, difficulty, submitTime})
}

type mockRecorder struct {
	mu     sync.Mutex
	shares []*ShareRecord
	confs  []*BlockConfirmation
	confCh chan *BlockConfirmation
	err    error
}

func (m *mockRecorder) RecordShare(_ context.Context, rec *ShareRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = append(m.shares, rec)
	return m.err
}

func (m *mockRecorder) RecordBlockConfirmation(_ context.Context, rec *BlockConfirmation) error {
	m.mu.Lock()
	m.confs = append(m.confs, rec)
	m.mu.Unlock()
	if m.confCh != nil {
		m.confCh <- rec
	}
	return nil
}

func (m *mockRecorder) lastShare(t *testing.T) *ShareRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.shares) == 0 {
		t.Fatal("no share recorded")
	}
	return m.shares[len(m.shares)-1]
}

type daemonCall struct {
	host string
	port int
}

type mockDaemons struct {
	added []daemonCall
	err   error
}

func (m *mockDaemons) AddConnection(_ context.Context, host string, port int, _, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.added = append(m.added, daemonCall{host, port})
	return nil
}

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

type handlerFixture struct {
	handler   *Handler
	auth      *mockAuthenticator
	allocator *mockAllocator
	validator *mockValidator
	rate      *mockRate
	recorder  *mockRecorder
	daemons   *mockDaemons
	now       time.Time
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		auth:      &mockAuthenticator{ok: true},
		allocator: &mockAllocator{},
		validator: &mockValidator{outcome: &ShareOutcome{ShareDifficulty: 42.5}},
		rate:      &mockRate{},
		recorder:  &mockRecorder{},
		daemons:   &mockDaemons{},
		now:       time.Date(2018, 1, 9, 6, 0, 0, 0, time.UTC),
	}
	f.handler = NewHandler(Deps{
		Auth:              f.auth,
		Extranonce:        f.allocator,
		Validator:         f.validator,
		Rate:              f.rate,
		Recorder:          f.recorder,
		Daemons:           f.daemons,
		Clock:             fixedClock{f.now},
		InitialDifficulty: 16,
	})
	return f
}

// subscribedSession returns a session that has been through subscribe and
// authorize for worker1.
func (f *handlerFixture) subscribedSession(t *testing.T) *Session {
	t.Helper()
	sess := newTestSession(t)
	if _, err := f.handler.Subscribe(context.Background(), sess, &SubscribeRequest{UserAgent: "cpuminer/2.5.1"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	ok, err := f.handler.Authorize(context.Background(), sess, &AuthorizeRequest{WorkerName: "worker1", Password: "x"})
	if err != nil || !ok {
		t.Fatalf("authorize failed: ok=%v err=%v", ok, err)
	}
	return sess
}

func submitReq() *SubmitRequest {
	return &SubmitRequest{
		WorkerName:  "worker1",
		JobID:       "job-1",
		ExtraNonce2: "00000001",
		NTime:       "5a54a978",
		Nonce:       "deadbeef",
	}
}

// --- subscribe / authorize ---

func TestSubscribeAssignsExtranonceAndDifficulty(t *testing.T) {
	f := newHandlerFixture(t)
	sess := newTestSession(t)

	result, err := f.handler.Subscribe(context.Background(), sess, &SubscribeRequest{UserAgent: "cpuminer/2.5.1"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if result.Extranonce1 != "00000001" {
		t.Errorf("Extranonce1 = %q, want 00000001", result.Extranonce1)
	}
	if result.Extranonce2Size != 4 {
		t.Errorf("Extranonce2Size = %d, want 4", result.Extranonce2Size)
	}
	if !sess.Subscribed() {
		t.Error("session should be subscribed")
	}
	if got := sess.Difficulty(); got != 16 {
		t.Errorf("Difficulty() = %v, want initial 16", got)
	}
	if _, prev := sess.DifficultySnapshot(); prev != 0 {
		t.Errorf("fresh subscription should have no previous difficulty, got %v", prev)
	}

	wire := result.Result()
	if len(wire) != 3 {
		t.Fatalf("wire result has %d elements, want 3", len(wire))
	}
	if wire[1] != "00000001" || wire[2] != 4 {
		t.Errorf("wire result = %v", wire)
	}
}

func TestResubscribeReleasesPreviousExtranonce(t *testing.T) {
	f := newHandlerFixture(t)
	sess := newTestSession(t)

	if _, err := f.handler.Subscribe(context.Background(), sess, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.handler.Subscribe(context.Background(), sess, nil); err != nil {
		t.Fatal(err)
	}

	if len(f.allocator.released) != 1 || f.allocator.released[0] != "00000001" {
		t.Errorf("released = %v, want [00000001]", f.allocator.released)
	}
	if got := sess.Extranonce1(); got != "00000002" {
		t.Errorf("Extranonce1() = %q, want 00000002", got)
	}
}

func TestSubscribeAllocationFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.allocator.err = errors.New("redis down")
	sess := newTestSession(t)

	_, err := f.handler.Subscribe(context.Background(), sess, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if sess.Subscribed() {
		t.Error("failed subscribe must not leave the session subscribed")
	}
}

func TestAuthorizeDenialRevokesWorker(t *testing.T) {
	f := newHandlerFixture(t)
	sess := newTestSession(t)

	ok, err := f.handler.Authorize(context.Background(), sess, &AuthorizeRequest{WorkerName: "worker1", Password: "good"})
	if err != nil || !ok {
		t.Fatalf("first authorize: ok=%v err=%v", ok, err)
	}

	// Credentials go bad; a renewed authorize must revoke the worker.
	f.auth.ok = false
	ok, err = f.handler.Authorize(context.Background(), sess, &AuthorizeRequest{WorkerName: "worker1", Password: "bad"})
	if err != nil {
		t.Fatalf("authorize error = %v", err)
	}
	if ok {
		t.Error("authorize should be denied")
	}
	if _, still := sess.Credential("worker1"); still {
		t.Error("denied worker must lose its prior authorization")
	}
}

// --- submit pipeline ---

func TestSubmitUnauthorizedWorker(t *testing.T) {
	f := newHandlerFixture(t)
	sess := newTestSession(t)
	sess.SetExtranonce1("00000001")
	sess.InitDifficulty(16)

	accepted, err := f.handler.Submit(context.Background(), sess, submitReq())
	if accepted {
		t.Error("unauthorized submit must not be accepted")
	}
	rpcErr := AsRPCError(err)
	if rpcErr.Code != ErrorUnauthorized {
		t.Errorf("error code = %d, want %d", rpcErr.Code, ErrorUnauthorized)
	}
	if f.validator.got != nil {
		t.Error("validator must not run for unauthorized submissions")
	}
	rec := f.recorder.lastShare(t)
	if rec.Accepted || rec.ErrorMessage == "" {
		t.Errorf("rejection not recorded: %+v", rec)
	}
}

func TestSubmitRevokesStaleAuthorization(t *testing.T) {
	f := newHandlerFixture(t)
	sess := f.subscribedSession(t)

	// Worker disabled after authorize; the next submit must both fail
	// and strip the authorization.
	f.auth.ok = false
	_, err := f.handler.Submit(context.Background(), sess, submitReq())
	if AsRPCError(err).Code != ErrorUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, still := sess.Credential("worker1"); still {
		t.Error("stale authorization should be revoked at submit")
	}
}

func TestSubmitRequiresSubscription(t *testing.T) {
	f := newHandlerFixture(t)
	sess := newTestSession(t)
	ok, err := f.handler.Authorize(context.Background(), sess, &AuthorizeRequest{WorkerName: "worker1", Password: "x"})
	if err != nil || !ok {
		t.Fatal("authorize failed")
	}

	accepted, err := f.handler.Submit(context.Background(), sess, submitReq())
	if accepted {
		t.Error("unsubscribed submit must not be accepted")
	}
	if AsRPCError(err).Code != ErrorNotSubscribed {
		t.Errorf("error = %v, want not-subscribed", err)
	}
	if f.validator.got != nil {
		t.Error("validator must not run before subscription check passes")
	}
}

func TestSubmitSnapshotsSessionState(t *testing.T) {
	f := newHandlerFixture(t)
	sess := f.subscribedSession(t)
	sess.SetDifficulty(32)

	accepted, err := f.handler.Submit(context.Background(), sess, submitReq())
	if err != nil || !accepted {
		t.Fatalf("submit: accepted=%v err=%v", accepted, err)
	}

	sub := f.validator.got
	if sub == nil {
		t.Fatal("validator never called")
	}
	if sub.Extranonce1 != "00000001" {
		t.Errorf("Extranonce1 = %q, want 00000001", sub.Extranonce1)
	}
	if sub.Difficulty != 32 || sub.PrevDifficulty != 16 {
		t.Errorf("difficulty snapshot = %v/%v, want 32/16", sub.Difficulty, sub.PrevDifficulty)
	}
	if !sub.SubmittedAt.Equal(f.now) {
		t.Errorf("SubmittedAt = %v, want %v", sub.SubmittedAt, f.now)
	}

	// Cadence tracking saw the same snapshot.
	if len(f.rate.calls) != 1 {
		t.Fatalf("rate controller called %d times, want 1", len(f.rate.calls))
	}
	call := f.rate.calls[0]
	if call.sessionID != sess.ID() || call.jobID != "job-1" || call.difficulty != 32 {
		t.Errorf("rate call = %+v", call)
	}
}

func TestSubmitAcceptedRecordsAtCurrentDifficulty(t *testing.T) {
	f := newHandlerFixture(t)
	f.validator.outcome = &ShareOutcome{
		BlockHeader:     "aa",
		BlockHash:       "bb",
		ShareDifficulty: 99,
	}
	sess := f.subscribedSession(t)

	accepted, err := f.handler.Submit(context.Background(), sess, submitReq())
	if err != nil || !accepted {
		t.Fatalf("submit: accepted=%v err=%v", accepted, err)
	}

	rec := f.recorder.lastShare(t)
	if !rec.Accepted {
		t.Fatal("share should be recorded accepted")
	}
	if rec.Difficulty != 16 {
		t.Errorf("credited difficulty = %v, want current 16", rec.Difficulty)
	}
	if rec.ShareDifficulty != 99 || rec.BlockHash != "bb" {
		t.Errorf("record = %+v", rec)
	}
}

func TestSubmitCreditedAtOldDifficultyDuringRetarget(t *testing.T) {
	f := newHandlerFixture(t)
	f.validator.outcome = &ShareOutcome{ShareDifficulty: 20, OldDifficulty: 16}
	sess := f.subscribedSession(t)
	sess.SetDifficulty(64)

	accepted, err := f.handler.Submit(context.Background(), sess, submitReq())
	if err != nil || !accepted {
		t.Fatalf("submit: accepted=%v err=%v", accepted, err)
	}

	rec := f.recorder.lastShare(t)
	if rec.Difficulty != 16 {
		t.Errorf("credited difficulty = %v, want previous 16", rec.Difficulty)
	}
}

func TestSubmitValidationFailureRecordedAndReturned(t *testing.T) {
	f := newHandlerFixture(t)
	f.validator.err = NewRPCError(ErrorLowDifficulty, "share difficulty too low")
	sess := f.subscribedSession(t)

	accepted, err := f.handler.Submit(context.Background(), sess, submitReq())
	if accepted {
		t.Error("rejected share must not be accepted")
	}
	if AsRPCError(err).Code != ErrorLowDifficulty {
		t.Errorf("error = %v, want low difficulty", err)
	}

	rec := f.recorder.lastShare(t)
	if rec.Accepted || rec.ErrorMessage != "share difficulty too low" {
		t.Errorf("rejection record = %+v", rec)
	}
	// Cadence tracking happens before validation, so the rejected share
	// still counted toward the rate.
	if len(f.rate.calls) != 1 {
		t.Errorf("rate controller called %d times, want 1", len(f.rate.calls))
	}
}

func TestSubmitRecorderFailureDoesNotRejectShare(t *testing.T) {
	f := newHandlerFixture(t)
	f.recorder.err = errors.New("postgres down")
	sess := f.subscribedSession(t)

	accepted, err := f.handler.Submit(context.Background(), sess, submitReq())
	if err != nil || !accepted {
		t.Errorf("recording failure must not change the reply: accepted=%v err=%v", accepted, err)
	}
}

// --- block confirmation continuation ---

func TestBlockConfirmationOutlivesSession(t *testing.T) {
	f := newHandlerFixture(t)
	f.recorder.confCh = make(chan *BlockConfirmation, 1)
	pending := NewPendingBlock()
	f.validator.outcome = &ShareOutcome{
		BlockHeader:     "aa",
		BlockHash:       "bb",
		ShareDifficulty: 1e6,
		Pending:         pending,
	}
	sess := f.subscribedSession(t)

	accepted, err := f.handler.Submit(context.Background(), sess, submitReq())
	if err != nil || !accepted {
		t.Fatalf("submit: accepted=%v err=%v", accepted, err)
	}

	// The miner's reply has already gone out, the session dies, and only
	// then does the upstream submission settle.
	sess.Close()
	pending.Resolve(ConfirmationResult{Accepted: true, Message: "accepted"})

	select {
	case conf := <-f.recorder.confCh:
		if !conf.Accepted || conf.BlockHash != "bb" || conf.WorkerName != "worker1" {
			t.Errorf("confirmation = %+v", conf)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation continuation never fired")
	}
}

func TestPendingBlockResolvesExactlyOnce(t *testing.T) {
	pending := NewPendingBlock()
	pending.Resolve(ConfirmationResult{Accepted: true, Message: "first"})
	pending.Resolve(ConfirmationResult{Accepted: false, Message: "second"})

	res := <-pending.Done()
	if !res.Accepted || res.Message != "first" {
		t.Errorf("result = %+v, want the first resolution", res)
	}

	// Channel is closed after the single delivery.
	if extra, ok := <-pending.Done(); ok {
		t.Errorf("unexpected second result %+v", extra)
	}
}

// --- admin operations ---

func TestRefreshBlockTemplate(t *testing.T) {
	f := newHandlerFixture(t)

	ok, err := f.handler.RefreshBlockTemplate(context.Background())
	if err != nil || !ok {
		t.Fatalf("refresh: ok=%v err=%v", ok, err)
	}
	if f.validator.refreshed != 1 {
		t.Errorf("refreshed %d times, want 1", f.validator.refreshed)
	}

	f.validator.refreshErr = errors.New("no daemons")
	ok, err = f.handler.RefreshBlockTemplate(context.Background())
	if ok || err == nil {
		t.Errorf("refresh with failing validator: ok=%v err=%v", ok, err)
	}
}

func TestAddDaemon(t *testing.T) {
	f := newHandlerFixture(t)

	ok, err := f.handler.AddDaemon(context.Background(), &AddDaemonRequest{
		Host: "127.0.0.1", Port: 9332, User: "u", Password: "p",
	})
	if err != nil || !ok {
		t.Fatalf("AddDaemon: ok=%v err=%v", ok, err)
	}
	if len(f.daemons.added) != 1 || f.daemons.added[0].host != "127.0.0.1" {
		t.Errorf("added = %+v", f.daemons.added)
	}

	f.daemons.err = errors.New("connection refused")
	ok, err = f.handler.AddDaemon(context.Background(), &AddDaemonRequest{
		Host: "bad", Port: 9332, User: "u", Password: "p",
	})
	if ok || err == nil {
		t.Errorf("AddDaemon with failing registry: ok=%v err=%v", ok, err)
	}
}

func TestReleaseSessionReturnsExtranonce(t *testing.T) {
	f := newHandlerFixture(t)
	sess := f.subscribedSession(t)

	f.handler.ReleaseSession(context.Background(), sess)
	if len(f.allocator.released) != 1 || f.allocator.released[0] != "00000001" {
		t.Errorf("released = %v, want [00000001]", f.allocator.released)
	}
}
