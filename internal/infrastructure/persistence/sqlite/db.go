package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/port"
)

type contextKey string

const txKey contextKey = "journal-tx"

const (
	defaultBusyRetries = 3
	busyBackoff        = 25 * time.Millisecond
)

// DB is the withdrawal journal handle. It implements port.TransactionManager
// and lets repositories join the transaction carried by a context.
type DB struct {
	*sql.DB
	logger      *zap.Logger
	busyRetries int
}

// NewDB wraps an open journal database
func NewDB(sqlDB *sql.DB, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		DB:          sqlDB,
		logger:      logger,
		busyRetries: defaultBusyRetries,
	}
}

// WithTransaction runs fn in one journal transaction. Nested calls join the
// transaction already carried by ctx. When sqlite reports the database busy
// or locked the whole transaction is retried, so fn may run more than once
// and must only touch the journal through txCtx.
func (db *DB) WithTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = db.runTx(ctx, fn)
		if !isBusy(err) || attempt >= db.busyRetries {
			return err
		}
		db.logger.Warn("Journal busy, retrying transaction",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(busyBackoff * time.Duration(attempt+1)):
		}
	}
}

func (db *DB) runTx(ctx context.Context, fn func(txCtx context.Context) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			db.logger.Error("Journal transaction panicked, rolled back", zap.Any("panic", p))
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		db.logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InTransaction reports whether ctx carries a journal transaction
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey).(*sql.Tx)
	return ok
}

// Executor returns the transaction carried by ctx, or the pool when there is none
func (db *DB) Executor(ctx context.Context) Execer {
	if tx, ok := ctx.Value(txKey).(*sql.Tx); ok {
		return tx
	}
	return db.DB
}

// Execer covers both *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// isBusy reports lock contention on the journal file
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

var _ port.TransactionManager = (*DB)(nil)
