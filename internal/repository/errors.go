package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store errors shared by the PostgreSQL and in-memory implementations.
var (
	ErrQuizNotFound      = errors.New("quiz not found")
	ErrOpenAttemptExists = errors.New("an open attempt already exists for this student and quiz")
	ErrAlreadyFinalized  = errors.New("attempt already finalized")
	ErrStaleSnapshot     = errors.New("snapshot revision is not newer than the stored one")
)

// StaleSnapshotError carries the revision that kept a snapshot from being written.
type StaleSnapshotError struct {
	Stored int64
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("%s (stored revision %d)", ErrStaleSnapshot, e.Stored)
}

func (e *StaleSnapshotError) Unwrap() error {
	return ErrStaleSnapshot
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so repositories can run
// inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
