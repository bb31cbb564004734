// Package mining implements the pool-side mining collaborators: worker
// authentication, extranonce allocation, job and template management,
// share validation, cadence-based retargeting and outcome recording.
package mining

import (
	"context"
	"crypto/subtle"
	"database/sql"
	stderrors "errors"

	"github.com/M0nsieurChat/stratum-mining-litecoin/internal/database/postgres"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/errors"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

// workerStore is the slice of the worker repository the authenticator needs.
type workerStore interface {
	GetWorkerByName(ctx context.Context, name string) (*postgres.Worker, error)
	TouchWorker(ctx context.Context, id int64) error
}

// Authenticator checks worker credentials against the worker store.
type Authenticator struct {
	workers workerStore
	logger  *log.Logger
}

// NewAuthenticator creates an authenticator over the worker store.
func NewAuthenticator(workers workerStore, logger *log.Logger) *Authenticator {
	return &Authenticator{
		workers: workers,
		logger:  logger.WithComponent("auth"),
	}
}

// Authenticate reports whether the named worker exists, is active and
// presented the right password. Unknown workers and bad passwords are a
// plain false; only a store failure is an error.
func (a *Authenticator) Authenticate(ctx context.Context, workerName, password string) (bool, error) {
	worker, err := a.workers.GetWorkerByName(ctx, workerName)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, errors.ErrorTypeDatabase, "authenticate",
			"failed to load worker")
	}

	if !worker.IsActive {
		a.logger.WithWorker(workerName).Debug("inactive worker denied")
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(worker.Password), []byte(password)) != 1 {
		return false, nil
	}

	// Best effort; a stale last-seen timestamp never blocks mining.
	if err := a.workers.TouchWorker(ctx, worker.ID); err != nil {
		a.logger.WithError(err).WithWorker(workerName).Warn("failed to touch worker")
	}

	return true, nil
}
