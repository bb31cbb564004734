package litecoin

import (
	"context"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

// recvTimeout bounds each receive so Listen can observe context
// cancellation between messages.
const recvTimeout = 500 * time.Millisecond

// BlockWatcher subscribes to litecoind's ZMQ hashblock notifications and
// invokes a callback for every new chain tip. The stratumd service uses it
// to refresh the active template without waiting for the admin update_block
// call.
type BlockWatcher struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
	onBlock  func(blockHash string) error
}

// NewBlockWatcher creates a watcher for the given ZMQ endpoint.
func NewBlockWatcher(endpoint string, logger *log.Logger, onBlock func(blockHash string) error) (*BlockWatcher, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &BlockWatcher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("blockwatcher"),
		onBlock:  onBlock,
	}, nil
}

// Connect subscribes to hashblock and connects to the endpoint. It must be
// called before Listen; an unconnected SUB socket never receives anything.
func (w *BlockWatcher) Connect() error {
	if err := w.socket.SetSubscribe("hashblock"); err != nil {
		return fmt.Errorf("failed to subscribe to hashblock: %w", err)
	}
	if err := w.socket.SetRcvtimeo(recvTimeout); err != nil {
		return fmt.Errorf("failed to set receive timeout: %w", err)
	}
	if err := w.socket.Connect(w.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", w.endpoint, err)
	}
	w.logger.Info("connected to ZMQ endpoint", "endpoint", w.endpoint)
	return nil
}

// Listen blocks reading notifications until the context is done.
func (w *BlockWatcher) Listen(ctx context.Context) error {
	w.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := w.socket.RecvMessageBytes(0)
		if err != nil {
			// The receive timeout surfaces as EAGAIN; loop back to the
			// cancellation check.
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			w.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			w.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if topic != "hashblock" {
			continue
		}
		if len(msg[1]) != 32 {
			w.logger.Warn("invalid block hash length", "length", len(msg[1]))
			continue
		}

		blockHash := reverseHex(msg[1])
		w.logger.Info("new block notification", "hash", blockHash)

		if err := w.onBlock(blockHash); err != nil {
			w.logger.WithError(err).Error("block notification handler failed", "hash", blockHash)
		}
	}
}

// Close shuts down the ZMQ socket.
func (w *BlockWatcher) Close() error {
	if w.socket != nil {
		return w.socket.Close()
	}
	return nil
}

// reverseHex renders a little-endian hash as a big-endian hex string.
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return fmt.Sprintf("%x", reversed)
}
