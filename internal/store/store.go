// Package store persists jobs, segments, engine variants, analysis results,
// and settings in PostgreSQL via pgx.
//
// Every repository follows the same shape: a Schema constant with the DDL,
// a Migrate method that applies it, and methods that run short-lived
// statements — no long-held connections. Write paths that can hit lock
// contention go through [withRetry], which retries a bounded number of
// times with doubling delays.
//
// Job claiming is the one place that needs writer-exclusive semantics; it
// uses a single UPDATE with a FOR UPDATE SKIP LOCKED subselect so that two
// workers can never claim the same job (see jobs.go).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the database interface shared by all repositories. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Contention retry tuning. The delay doubles on every attempt starting at
// retryBaseDelay, for at most retryAttempts tries.
const (
	retryAttempts  = 5
	retryBaseDelay = 100 * time.Millisecond
)

// Postgres SQLSTATE codes that signal recoverable lock contention.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// retryable reports whether err is a lock/contention signal worth retrying.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

// withRetry runs op, retrying contention failures with exponential backoff.
// Non-contention errors abort immediately.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = retryBaseDelay << retryAttempts

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx))
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, db DB, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
