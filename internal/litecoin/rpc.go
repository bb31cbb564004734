package litecoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/circuit"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/errors"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/retry"
)

// daemon is one upstream litecoind endpoint.
type daemon struct {
	host   string
	port   int
	client *rpcclient.Client
}

// DaemonPool manages the set of upstream litecoind connections. New daemons
// can be registered at runtime through the add_litecoind admin call; RPC
// operations fail over between registered daemons in order.
type DaemonPool struct {
	logger *log.Logger

	mu      sync.RWMutex
	daemons []*daemon

	breaker     *circuit.Breaker
	retryConfig *retry.Config
}

// NewDaemonPool creates an empty daemon pool.
func NewDaemonPool(logger *log.Logger) *DaemonPool {
	return &DaemonPool{
		logger: logger.WithComponent("litecoind"),
		breaker: circuit.New(&circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}
}

// AddConnection registers a litecoind endpoint. Litecoind speaks the
// bitcoind-compatible JSON-RPC protocol, so btcd's client is used directly.
func (p *DaemonPool) AddConnection(ctx context.Context, host string, port int, user, password string) error {
	if host == "" {
		return errors.New(errors.ErrorTypeValidation, "add_connection", "host cannot be empty")
	}
	if port <= 0 || port > 65535 {
		return errors.New(errors.ErrorTypeValidation, "add_connection",
			"port out of range").WithContext("port", port)
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         user,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeLitecoin, "add_connection",
			"failed to create litecoind RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	p.mu.Lock()
	p.daemons = append(p.daemons, &daemon{host: host, port: port, client: client})
	count := len(p.daemons)
	p.mu.Unlock()

	p.logger.Info("litecoind connection added",
		"host", host, "port", port, "daemon_count", count)
	return nil
}

// Size returns the number of registered daemons.
func (p *DaemonPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.daemons)
}

// snapshot returns the current daemon list.
func (p *DaemonPool) snapshot() []*daemon {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*daemon(nil), p.daemons...)
}

// GetBlockTemplate fetches a block template, failing over between daemons.
func (p *DaemonPool) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, p.breaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, p.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
			}

			var lastErr error
			for _, d := range p.snapshot() {
				template, err := d.client.GetBlockTemplateAsync(req).Receive()
				if err == nil {
					return template, nil
				}
				lastErr = err
				p.logger.WithError(err).Warn("getblocktemplate failed, trying next daemon",
					"host", d.host, "port", d.port)
			}

			if lastErr == nil {
				lastErr = fmt.Errorf("no litecoind connections registered")
			}
			return nil, errors.Wrap(lastErr, errors.ErrorTypeLitecoin, "get_block_template",
				"failed to retrieve block template from any daemon")
		})
	})
}

// SubmitBlock relays a solved block, failing over between daemons. Block
// submission is time critical, so retry is kept minimal.
func (p *DaemonPool) SubmitBlock(ctx context.Context, blockHex string) error {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "submit_block",
			"invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "submit_block",
			"failed to deserialize block").
			WithContext("block_size", len(blockBytes))
	}

	submitConfig := &retry.Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  1.5,
	}

	return p.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, submitConfig, func() error {
			var lastErr error
			for _, d := range p.snapshot() {
				err := d.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive()
				if err == nil {
					return nil
				}
				lastErr = err
				p.logger.WithError(err).Warn("submitblock failed, trying next daemon",
					"host", d.host, "port", d.port)
			}

			if lastErr == nil {
				lastErr = fmt.Errorf("no litecoind connections registered")
			}
			return errors.Wrap(lastErr, errors.ErrorTypeLitecoin, "submit_block",
				"failed to submit block to any daemon").
				WithContext("block_hash", block.BlockHash().String())
		})
	})
}

// Ping checks connectivity of the first reachable daemon.
func (p *DaemonPool) Ping(ctx context.Context) error {
	return p.breaker.Execute(ctx, func() error {
		var lastErr error
		for _, d := range p.snapshot() {
			if err := d.client.PingAsync().Receive(); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no litecoind connections registered")
		}
		return errors.Wrap(lastErr, errors.ErrorTypeLitecoin, "ping",
			"no reachable litecoind daemon")
	})
}

// Close shuts down every daemon connection.
func (p *DaemonPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.daemons {
		d.client.Shutdown()
	}
	p.daemons = nil
}
