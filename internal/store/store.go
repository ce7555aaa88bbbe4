// Package store is the job store: all durable state for the orchestration
// core lives in Postgres, and every claim operation is a single atomic
// statement (row lock + conditional update + return) so that concurrent
// workers never double-process a unit of work.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoEligibleJob is returned by claim operations when nothing matches.
// It is an empty-poll signal, not a failure.
var ErrNoEligibleJob = errors.New("no eligible job")

// Store wraps the shared connection pool. Workers hold only transient
// reservations on rows, never long-lived ownership.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and pings it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// FromPool wraps an existing pool (shared with the river client).
func FromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for the job queue client.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
