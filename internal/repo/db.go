// Package repo implements the booking and payment stores on PostgreSQL with
// hand-written pgx queries.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the pool dependency is not configured.
var ErrStoreUnavailable = errors.New("repo: store unavailable")

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn carries either the pool or the transaction a store is bound to.
type conn struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (c conn) q() (querier, error) {
	if c.tx != nil {
		return c.tx, nil
	}
	if c.pool == nil {
		return nil, ErrStoreUnavailable
	}
	return c.pool, nil
}

// inTx runs fn inside a transaction. A store already bound to a transaction
// reuses it, so nested calls commit together.
func (c conn) inTx(ctx context.Context, fn func(conn) error) error {
	if c.tx != nil {
		return fn(c)
	}
	if c.pool == nil {
		return ErrStoreUnavailable
	}
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("repo: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(conn{pool: c.pool, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// uniqueViolation reports the violated constraint name for SQLSTATE 23505.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
