// Package postgres implements the durable event and dead-letter stores on pgx.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the Postgres-backed stores sharing one pool.
type Store struct {
	pool        *pgxpool.Pool
	Events      *EventStore
	DeadLetters *DeadLetterStore
}

// New constructs the stores on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		Events:      NewEventStore(pool),
		DeadLetters: NewDeadLetterStore(pool),
	}
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

type rowScanner interface {
	Scan(dest ...any) error
}
