package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type contextKey string

// DBTxKey carries the active pgx.Tx through a request or service call.
const DBTxKey contextKey = "db_tx"

// TxBeginner is satisfied by *pgxpool.Pool and pgx.Tx.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext returns the transaction stored in ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// ContextWithTx stores tx in ctx so repositories pick it up via conn(ctx).
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// RunInTx runs fn inside a transaction. When ctx already carries one, fn joins
// it and the outermost caller owns commit and rollback.
func RunInTx(ctx context.Context, db TxBeginner, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if db == nil {
		return errors.New("no database connection for transaction")
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ContextWithTx(ctx, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Transactor lets services open a transaction without depending on pgxpool.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolTransactor runs transactions against a pool.
type PoolTransactor struct {
	db TxBeginner
}

func NewTransactor(db TxBeginner) *PoolTransactor {
	return &PoolTransactor{db: db}
}

func (t *PoolTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return RunInTx(ctx, t.db, fn)
}

// NoopTransactor runs fn directly. Used with in-memory repositories.
type NoopTransactor struct{}

func (NoopTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
