package repository

import (
	"context"
	"fmt"

	"github.com/bitsacco/bitsacco-sub002/internal/application/port"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
	"github.com/bitsacco/bitsacco-sub002/internal/infrastructure/persistence/sqlite"
	"go.uber.org/zap"
)

// TransitionRepository implements port.TransitionRepository.
// Rows are never updated or deleted; the schema enforces it with triggers.
type TransitionRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewTransitionRepository creates a new transition repository
func NewTransitionRepository(db *sqlite.DB, logger *zap.Logger) *TransitionRepository {
	return &TransitionRepository{
		db:     db,
		logger: logger,
	}
}

// Append journals one transition
func (r *TransitionRepository) Append(ctx context.Context, t *entity.WithdrawalTransition) error {
	query := `
		INSERT INTO withdrawal_transitions (
			id, transaction_id, sequence, from_state, to_state,
			action, actor_user_id, comment, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Executor(ctx).ExecContext(ctx, query,
		t.ID,
		t.TransactionID,
		t.Sequence,
		string(t.From),
		string(t.To),
		t.Action,
		t.ActorUserID,
		t.Comment,
		t.Timestamp.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to append transition",
			zap.String("transaction_id", t.TransactionID),
			zap.Int("sequence", t.Sequence),
			zap.Error(err))
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// ListByWithdrawal returns a withdrawal's transitions in sequence order
func (r *TransitionRepository) ListByWithdrawal(ctx context.Context, transactionID string) ([]*entity.WithdrawalTransition, error) {
	query := `
		SELECT id, transaction_id, sequence, from_state, to_state,
			action, actor_user_id, comment, occurred_at
		FROM withdrawal_transitions
		WHERE transaction_id = ?
		ORDER BY sequence
	`

	rows, err := r.db.Executor(ctx).QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []*entity.WithdrawalTransition
	for rows.Next() {
		var (
			t        entity.WithdrawalTransition
			from, to string
		)
		if err := rows.Scan(
			&t.ID,
			&t.TransactionID,
			&t.Sequence,
			&from,
			&to,
			&t.Action,
			&t.ActorUserID,
			&t.Comment,
			&t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = workflow.State(from)
		t.To = workflow.State(to)
		t.Timestamp = t.Timestamp.UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Verify interface compliance
var _ port.TransitionRepository = (*TransitionRepository)(nil)
