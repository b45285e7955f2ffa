package port

import (
	"context"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

// TransactionStatusSource fetches the latest snapshot of a transaction from the backend.
// A nil snapshot means the backend has no newer information.
type TransactionStatusSource interface {
	FetchStatus(ctx context.Context, tx *entity.UnifiedTransaction) (*entity.UnifiedTransaction, error)
}

// AuditExporter renders a withdrawal's audit trail to a file
type AuditExporter interface {
	ExportTransitions(ctx context.Context, w *entity.Withdrawal, transitions []*entity.WithdrawalTransition) (string, error)
}
