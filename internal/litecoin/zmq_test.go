package litecoin

import (
	"context"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "error", "text")
}

func TestBlockWatcherDeliversNotification(t *testing.T) {
	const endpoint = "inproc://blockwatcher-test"

	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		t.Fatalf("failed to create PUB socket: %v", err)
	}
	defer pub.Close()
	if err := pub.Bind(endpoint); err != nil {
		t.Fatalf("failed to bind %s: %v", endpoint, err)
	}

	got := make(chan string, 1)
	watcher, err := NewBlockWatcher(endpoint, testLogger(), func(blockHash string) error {
		select {
		case got <- blockHash:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("NewBlockWatcher() error = %v", err)
	}
	if err := watcher.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	listenDone := make(chan struct{})
	go func() {
		watcher.Listen(ctx)
		close(listenDone)
	}()

	// Little-endian wire hash 0x01..0x20.
	hashLE := make([]byte, 32)
	for i := range hashLE {
		hashLE[i] = byte(i + 1)
	}

	// PUB drops messages published before the subscription settles, so
	// resend until the watcher delivers one.
	deadline := time.After(5 * time.Second)
	var blockHash string
resend:
	for {
		if _, err := pub.SendMessage("hashblock", hashLE); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
		select {
		case blockHash = <-got:
			break resend
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no block notification received")
		}
	}

	want := "201f1e1d1c1b1a191817161514131211100f0e0d0c0b0a090807060504030201"
	if blockHash != want {
		t.Errorf("block hash = %s, want %s", blockHash, want)
	}

	cancel()
	<-listenDone
	if err := watcher.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestBlockWatcherConnectRejectsBadEndpoint(t *testing.T) {
	watcher, err := NewBlockWatcher("bogus://nowhere", testLogger(), func(string) error { return nil })
	if err != nil {
		t.Fatalf("NewBlockWatcher() error = %v", err)
	}
	defer watcher.Close()

	if err := watcher.Connect(); err == nil {
		t.Error("Connect() with an unsupported transport should fail")
	}
}
