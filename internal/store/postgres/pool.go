// Package postgres is the durable store for Session Registry and Attempt
// Recorder rows. Session statements go through retry.DBTX so transient
// connection failures are retried automatically and application-level
// conflicts (unique violations, deadlocks) are not. Attempt inserts run
// in plain transactions on the pool, with their own bounded retry on
// attempt-number conflicts.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgelab/sandboxd/internal/store/postgres/retry"
)

// Pool wraps a pgxpool.Pool alongside a retry-wrapped view of it for
// callers that want automatic retries on transient errors.
type Pool struct {
	*pgxpool.Pool
	Retrying retry.DBTX
}

// Connect opens a pool against connString and verifies connectivity.
func Connect(ctx context.Context, connString string) (*Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Pool{Pool: pool, Retrying: retry.Wrap(pool, retry.DefaultConfig())}, nil
}
