package entity

import (
	"time"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
)

// Confirmation describes how far the backend has confirmed a withdrawal outcome
const (
	ConfirmationPending   = "pending"
	ConfirmationConfirmed = "confirmed"
	ConfirmationStale     = "stale"
)

// Withdrawal is the journaled record of one withdrawal request
type Withdrawal struct {
	TransactionID   string         `json:"transaction_id"`
	ChamaID         string         `json:"chama_id"`
	MemberID        string         `json:"member_id"`
	Amount          Money          `json:"amount"`
	State           workflow.State `json:"state"`
	PaymentMethod   string         `json:"payment_method,omitempty"`
	Confirmation    string         `json:"confirmation"`
	ApprovalTimeout time.Duration  `json:"approval_timeout"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// WithdrawalTransition is one append-only entry of a withdrawal's audit trail
type WithdrawalTransition struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	Sequence      int            `json:"sequence"`
	From          workflow.State `json:"from"`
	To            workflow.State `json:"to"`
	Action        string         `json:"action"`
	ActorUserID   string         `json:"actor_user_id"`
	Comment       string         `json:"comment,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}
