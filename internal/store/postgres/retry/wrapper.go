package retry

import (
	"context"
	"time"

	flowretry "github.com/flowchartsman/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the narrow subset of *pgxpool.Pool (and pgx.Tx) every repository
// in this package depends on, so both a pool and a wrapped/retrying pool
// satisfy the same interface.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config controls retry timing. The backoff between attempts is
// exponential with jitter, starting at InitialBackoff and capped at
// MaxBackoff.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Option mutates a Config in place.
type Option func(*Config)

func WithMaxAttempts(n int) Option { return func(c *Config) { c.MaxAttempts = n } }

func WithInitialBackoff(d time.Duration) Option { return func(c *Config) { c.InitialBackoff = d } }

func WithMaxBackoff(d time.Duration) Option { return func(c *Config) { c.MaxBackoff = d } }

// Apply mutates c with each Option in order.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// DefaultConfig is the config used when no override is needed: five
// attempts, starting at 100ms and capping at 5s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// RetryableDBTX wraps a DBTX and retries IsRetriable errors with
// exponential, jittered backoff.
type RetryableDBTX struct {
	inner DBTX
	cfg   Config
}

// Wrap returns db unchanged if it is already inside a transaction — a
// transaction is aborted by its first error, so retrying a statement
// inside one would silently operate on a dead transaction — and a
// *RetryableDBTX otherwise.
func Wrap(db DBTX, cfg Config) DBTX {
	if _, isTx := db.(pgx.Tx); isTx {
		return db
	}

	return &RetryableDBTX{inner: db, cfg: cfg}
}

func (r *RetryableDBTX) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := r.run(ctx, func() error {
		var execErr error
		tag, execErr = r.inner.Exec(ctx, sql, args...)
		return execErr
	})
	return tag, err
}

func (r *RetryableDBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := r.run(ctx, func() error {
		var queryErr error
		rows, queryErr = r.inner.Query(ctx, sql, args...)
		return queryErr
	})
	return rows, err
}

func (r *RetryableDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &retryableRow{ctx: ctx, sql: sql, args: args, owner: r}
}

// retryableRow defers the retry loop until Scan is called, since
// QueryRow's pgx.Row interface has no error return of its own.
type retryableRow struct {
	ctx   context.Context
	sql   string
	args  []any
	owner *RetryableDBTX
}

func (rr *retryableRow) Scan(dest ...any) error {
	return rr.owner.run(rr.ctx, func() error {
		return rr.owner.inner.QueryRow(rr.ctx, rr.sql, rr.args...).Scan(dest...)
	})
}

// run drives op through a flowchartsman retrier. A Retrier carries its
// attempt counter, so each run gets a fresh one. Non-retriable errors
// short-circuit via retry.Stop and come back to the caller unwrapped.
func (r *RetryableDBTX) run(ctx context.Context, op func() error) error {
	retrier := flowretry.NewRetrier(r.cfg.MaxAttempts, r.cfg.InitialBackoff, r.cfg.MaxBackoff)

	return retrier.RunContext(ctx, func(context.Context) error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetriable(err) {
			return flowretry.Stop(err)
		}
		return err
	})
}
