package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"
)

type TxOptions struct {
	IsolationLevel sql.IsolationLevel
	ReadOnly       bool
	MaxRetries     int
}

// DefaultTxOptions suits single-row work: read committed, a few retries for
// the callers that go through WithRetry.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		ReadOnly:       false,
		MaxRetries:     3,
	}
}

// SerializableTxOptions is for multi-row invariants that must hold across the
// whole transaction, like checkout.
func SerializableTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}
}

// runTx is one transaction attempt: begin, run fn, commit, rolling back on
// any failure.
func runTx(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{
		Isolation: opts.IsolationLevel,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// WithTransaction runs fn in exactly one transaction attempt.
func WithTransaction(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	return runTx(ctx, db, opts, fn)
}

// WithRetry re-runs fn while the failure classifies as retryable
// (serialization conflict, deadlock, lock timeout), backing off with jitter
// between attempts. fn must be safe to run again after a rollback.
func WithRetry(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	backoff := 50 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := runTx(ctx, db, opts, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt == opts.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", opts.MaxRetries, err)
		}

		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}
