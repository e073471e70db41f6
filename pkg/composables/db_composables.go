package composables

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invory/hierarchies/pkg/constants"
	"github.com/invory/hierarchies/pkg/repo"
)

var (
	ErrNoTx   = errors.New("no transaction found in context")
	ErrNoPool = errors.New("no database pool found in context")
)

// serializationFailure is SQLSTATE 40001, raised when a SERIALIZABLE
// transaction cannot be committed due to a concurrent conflict.
const serializationFailure = "40001"

const maxSerializableRetries = 5

func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, constants.TxKey, tx)
}

func UseTx(ctx context.Context) (repo.Tx, error) {
	tx := ctx.Value(constants.TxKey)
	if tx == nil {
		return UsePool(ctx)
	}
	return tx.(repo.Tx), nil
}

func WithPool(ctx context.Context, pool *pgxpool.Pool) context.Context {
	return context.WithValue(ctx, constants.PoolKey, pool)
}

func UsePool(ctx context.Context) (*pgxpool.Pool, error) {
	pool := ctx.Value(constants.PoolKey)
	if pool == nil {
		return nil, ErrNoPool
	}
	return pool.(*pgxpool.Pool), nil
}

// InTx runs fn in a transaction at the default isolation level. ALWAYS
// creates a new transaction.
func InTx(ctx context.Context, fn func(context.Context) error) error {
	return inTx(ctx, pgx.TxOptions{}, fn)
}

// InSerializableTx runs fn at SERIALIZABLE isolation and retries the whole
// function on serialization failures. fn must be idempotent.
func InSerializableTx(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxSerializableRetries; attempt++ {
		err = inTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

// TxRunner replaces how InTx and InSerializableTx open transactions. The
// default runner begins a transaction on the context's pool.
type TxRunner func(ctx context.Context, opts pgx.TxOptions, fn func(context.Context) error) error

func WithTxRunner(ctx context.Context, runner TxRunner) context.Context {
	return context.WithValue(ctx, constants.TxRunnerKey, runner)
}

func inTx(ctx context.Context, opts pgx.TxOptions, fn func(context.Context) error) error {
	if runner, ok := ctx.Value(constants.TxRunnerKey).(TxRunner); ok {
		return runner(ctx, opts, fn)
	}
	pool, err := UsePool(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	if err := fn(WithTx(ctx, tx)); err != nil {
		if rErr := tx.Rollback(ctx); rErr != nil && !errors.Is(rErr, pgx.ErrTxClosed) {
			return errors.Join(err, rErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}
