package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bitsacco/bitsacco-sub002/internal/application/port"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
	"github.com/bitsacco/bitsacco-sub002/internal/infrastructure/persistence/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const withdrawalColumns = `
	transaction_id, chama_id, member_id, amount, currency, state,
	payment_method, confirmation, approval_timeout_ms, expires_at,
	created_at, updated_at`

// WithdrawalRepository implements port.WithdrawalRepository
type WithdrawalRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewWithdrawalRepository creates a new withdrawal repository
func NewWithdrawalRepository(db *sqlite.DB, logger *zap.Logger) *WithdrawalRepository {
	return &WithdrawalRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new withdrawal record
func (r *WithdrawalRepository) Create(ctx context.Context, w *entity.Withdrawal) error {
	query := `INSERT INTO withdrawals (` + withdrawalColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	confirmation := w.Confirmation
	if confirmation == "" {
		confirmation = entity.ConfirmationPending
	}

	_, err := r.db.Executor(ctx).ExecContext(ctx, query,
		w.TransactionID,
		w.ChamaID,
		w.MemberID,
		w.Amount.Amount.String(),
		w.Amount.Currency,
		string(w.State),
		w.PaymentMethod,
		confirmation,
		w.ApprovalTimeout.Milliseconds(),
		nullTime(w.ExpiresAt),
		w.CreatedAt.UTC(),
		w.UpdatedAt.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to create withdrawal",
			zap.String("transaction_id", w.TransactionID),
			zap.Error(err))
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}

	w.Confirmation = confirmation
	return nil
}

// Update overwrites the mutable columns of a withdrawal
func (r *WithdrawalRepository) Update(ctx context.Context, w *entity.Withdrawal) error {
	query := `
		UPDATE withdrawals
		SET state = ?, payment_method = ?, confirmation = ?, expires_at = ?, updated_at = ?
		WHERE transaction_id = ?
	`

	result, err := r.db.Executor(ctx).ExecContext(ctx, query,
		string(w.State),
		w.PaymentMethod,
		w.Confirmation,
		nullTime(w.ExpiresAt),
		w.UpdatedAt.UTC(),
		w.TransactionID,
	)
	if err != nil {
		r.logger.Error("Failed to update withdrawal",
			zap.String("transaction_id", w.TransactionID),
			zap.Error(err))
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}

	return requireAffected(result, w.TransactionID)
}

// UpdateConfirmation records how far the backend has confirmed the outcome
func (r *WithdrawalRepository) UpdateConfirmation(ctx context.Context, transactionID, confirmation string) error {
	query := `UPDATE withdrawals SET confirmation = ?, updated_at = ? WHERE transaction_id = ?`

	result, err := r.db.Executor(ctx).ExecContext(ctx, query, confirmation, time.Now().UTC(), transactionID)
	if err != nil {
		return fmt.Errorf("failed to update confirmation: %w", err)
	}
	return requireAffected(result, transactionID)
}

// GetByID retrieves a withdrawal by transaction ID
func (r *WithdrawalRepository) GetByID(ctx context.Context, transactionID string) (*entity.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE transaction_id = ?`

	w, err := scanWithdrawal(r.db.Executor(ctx).QueryRowContext(ctx, query, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %s: %w", transactionID, port.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return w, nil
}

// ListByChama lists a chama's withdrawals, newest first
func (r *WithdrawalRepository) ListByChama(ctx context.Context, chamaID string, limit, offset int) ([]*entity.Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals
		WHERE chama_id = ?
		ORDER BY created_at DESC, transaction_id
		LIMIT ? OFFSET ?`

	return r.list(ctx, query, chamaID, limit, offset)
}

// ListActive lists withdrawals that have not reached a final state
func (r *WithdrawalRepository) ListActive(ctx context.Context) ([]*entity.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals
		WHERE state NOT IN (?, ?, ?, ?)
		ORDER BY created_at, transaction_id`

	return r.list(ctx, query,
		string(workflow.StateCompleted),
		string(workflow.StateFailed),
		string(workflow.StateRejected),
		string(workflow.StateExpired),
	)
}

// ListFinalBefore returns IDs of final withdrawals last updated before the cutoff
func (r *WithdrawalRepository) ListFinalBefore(ctx context.Context, before time.Time) ([]string, error) {
	query := `SELECT transaction_id FROM withdrawals
		WHERE state IN (?, ?, ?, ?) AND updated_at < ?
		ORDER BY updated_at`

	rows, err := r.db.Executor(ctx).QueryContext(ctx, query,
		string(workflow.StateCompleted),
		string(workflow.StateFailed),
		string(workflow.StateRejected),
		string(workflow.StateExpired),
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list final withdrawals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *WithdrawalRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Withdrawal, error) {
	rows, err := r.db.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list withdrawals", zap.Error(err))
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*entity.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWithdrawal(row rowScanner) (*entity.Withdrawal, error) {
	var (
		w         entity.Withdrawal
		amount    string
		currency  string
		state     string
		timeoutMs int64
		expiresAt sql.NullTime
	)

	if err := row.Scan(
		&w.TransactionID,
		&w.ChamaID,
		&w.MemberID,
		&amount,
		&currency,
		&state,
		&w.PaymentMethod,
		&w.Confirmation,
		&timeoutMs,
		&expiresAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	w.Amount = entity.Money{Amount: d, Currency: currency}
	w.State = workflow.State(state)
	w.ApprovalTimeout = time.Duration(timeoutMs) * time.Millisecond
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		w.ExpiresAt = &t
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func requireAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("withdrawal %s: %w", id, port.ErrNotFound)
	}
	return nil
}

// Verify interface compliance
var _ port.WithdrawalRepository = (*WithdrawalRepository)(nil)
