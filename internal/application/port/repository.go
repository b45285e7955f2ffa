package port

import (
	"context"
	"errors"
	"time"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

// ErrNotFound is returned by repositories when a record does not exist
var ErrNotFound = errors.New("record not found")

// WithdrawalRepository journals withdrawal records
type WithdrawalRepository interface {
	Create(ctx context.Context, w *entity.Withdrawal) error
	Update(ctx context.Context, w *entity.Withdrawal) error
	UpdateConfirmation(ctx context.Context, transactionID, confirmation string) error
	GetByID(ctx context.Context, transactionID string) (*entity.Withdrawal, error)
	ListByChama(ctx context.Context, chamaID string, limit, offset int) ([]*entity.Withdrawal, error)
	ListActive(ctx context.Context) ([]*entity.Withdrawal, error)
	ListFinalBefore(ctx context.Context, before time.Time) ([]string, error)
}

// TransitionRepository is the append-only audit trail of withdrawal transitions
type TransitionRepository interface {
	Append(ctx context.Context, t *entity.WithdrawalTransition) error
	ListByWithdrawal(ctx context.Context, transactionID string) ([]*entity.WithdrawalTransition, error)
}

// TransactionManager runs fn inside a single database transaction carried by ctx
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
