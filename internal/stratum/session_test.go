package stratum

import (
	"net"
	"testing"
	"time"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	logger := log.New("test", "error", "text")
	return NewSession("sess-1", server, logger, time.Minute, time.Minute)
}

func TestSessionSubscriptionState(t *testing.T) {
	sess := newTestSession(t)

	if sess.Subscribed() {
		t.Fatal("fresh session should not be subscribed")
	}

	if prev := sess.SetExtranonce1("0000002a"); prev != "" {
		t.Errorf("first SetExtranonce1 returned %q, want empty", prev)
	}
	if !sess.Subscribed() {
		t.Error("session with extranonce1 should be subscribed")
	}
	if got := sess.Extranonce1(); got != "0000002a" {
		t.Errorf("Extranonce1() = %q, want 0000002a", got)
	}

	// Re-subscribe hands back the old value for release.
	if prev := sess.SetExtranonce1("0000002b"); prev != "0000002a" {
		t.Errorf("SetExtranonce1 returned %q, want 0000002a", prev)
	}
}

func TestSessionDifficultyTransitions(t *testing.T) {
	sess := newTestSession(t)

	sess.InitDifficulty(16)
	cur, prev := sess.DifficultySnapshot()
	if cur != 16 || prev != 0 {
		t.Fatalf("after init: cur=%v prev=%v, want 16/0", cur, prev)
	}

	sess.SetDifficulty(32)
	cur, prev = sess.DifficultySnapshot()
	if cur != 32 || prev != 16 {
		t.Fatalf("after retarget: cur=%v prev=%v, want 32/16", cur, prev)
	}

	// Setting the same difficulty again must not clobber the previous one.
	sess.SetDifficulty(32)
	cur, prev = sess.DifficultySnapshot()
	if cur != 32 || prev != 16 {
		t.Fatalf("after no-op retarget: cur=%v prev=%v, want 32/16", cur, prev)
	}

	// A fresh init wipes the fallback.
	sess.InitDifficulty(8)
	cur, prev = sess.DifficultySnapshot()
	if cur != 8 || prev != 0 {
		t.Fatalf("after re-init: cur=%v prev=%v, want 8/0", cur, prev)
	}
}

func TestSessionAuthorization(t *testing.T) {
	sess := newTestSession(t)

	if _, ok := sess.Credential("worker1"); ok {
		t.Fatal("fresh session should have no authorized workers")
	}

	sess.MarkAuthorized("worker1", "pass1")
	sess.MarkAuthorized("worker2", "pass2")

	password, ok := sess.Credential("worker1")
	if !ok || password != "pass1" {
		t.Errorf("Credential(worker1) = %q,%v, want pass1,true", password, ok)
	}

	workers := sess.AuthorizedWorkers()
	if len(workers) != 2 {
		t.Errorf("AuthorizedWorkers() = %v, want 2 entries", workers)
	}

	sess.RevokeAuthorization("worker1")
	if _, ok := sess.Credential("worker1"); ok {
		t.Error("worker1 should be revoked")
	}
	if _, ok := sess.Credential("worker2"); !ok {
		t.Error("worker2 should remain authorized")
	}
}

func TestSessionAdminFlag(t *testing.T) {
	sess := newTestSession(t)

	if sess.IsAdmin() {
		t.Fatal("sessions must not start with admin capability")
	}
	sess.SetAdmin(true)
	if !sess.IsAdmin() {
		t.Error("admin flag not set")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	sess := newTestSession(t)

	sess.Close()
	sess.Close() // must not panic

	select {
	case <-sess.Done():
	default:
		t.Error("Done() should be closed after Close()")
	}

	if err := sess.SendResponse(1, true); err == nil {
		t.Error("SendResponse on closed session should fail")
	}
}
