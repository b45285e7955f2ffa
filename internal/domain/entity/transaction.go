package entity

import (
	"maps"
	"time"
)

// TransactionStatus is the backend-reported status of a transaction
type TransactionStatus string

const (
	TransactionStatusPending         TransactionStatus = "pending"
	TransactionStatusPendingApproval TransactionStatus = "pending_approval"
	TransactionStatusApproved        TransactionStatus = "approved"
	TransactionStatusProcessing      TransactionStatus = "processing"
	TransactionStatusCompleted       TransactionStatus = "completed"
	TransactionStatusFailed          TransactionStatus = "failed"
	TransactionStatusRejected        TransactionStatus = "rejected"
	TransactionStatusExpired         TransactionStatus = "expired"
)

var terminalTransactionStatuses = map[TransactionStatus]bool{
	TransactionStatusCompleted: true,
	TransactionStatusFailed:    true,
	TransactionStatusRejected:  true,
	TransactionStatusExpired:   true,
}

var knownTransactionStatuses = map[TransactionStatus]bool{
	TransactionStatusPending:         true,
	TransactionStatusPendingApproval: true,
	TransactionStatusApproved:        true,
	TransactionStatusProcessing:      true,
	TransactionStatusCompleted:       true,
	TransactionStatusFailed:          true,
	TransactionStatusRejected:        true,
	TransactionStatusExpired:         true,
}

// IsValid reports whether s is one of the known statuses
func (s TransactionStatus) IsValid() bool {
	return knownTransactionStatuses[s]
}

// IsTerminal returns true if no further status changes are expected
func (s TransactionStatus) IsTerminal() bool {
	return terminalTransactionStatuses[s]
}

// String returns the string representation of the status
func (s TransactionStatus) String() string {
	return string(s)
}

// TransactionContext tags the domain a transaction belongs to
type TransactionContext string

const (
	ContextChama    TransactionContext = "chama"
	ContextPersonal TransactionContext = "personal"
)

// TransactionType classifies a transaction
type TransactionType string

const (
	TransactionTypeWithdrawal   TransactionType = "withdrawal"
	TransactionTypeDeposit      TransactionType = "deposit"
	TransactionTypeContribution TransactionType = "contribution"
	TransactionTypeTransfer     TransactionType = "transfer"
)

// UnifiedTransaction is a snapshot of a transaction as reported by the backend.
// Snapshots are replaced whole, never modified in place.
type UnifiedTransaction struct {
	ID            string             `json:"id"`
	Context       TransactionContext `json:"context"`
	Type          TransactionType    `json:"type"`
	Status        TransactionStatus  `json:"status"`
	Amount        *Money             `json:"amount,omitempty"`
	ChamaID       string             `json:"chama_id,omitempty"`
	MemberID      string             `json:"member_id,omitempty"`
	Reference     string             `json:"reference,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with the receiver
func (t *UnifiedTransaction) Clone() *UnifiedTransaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.Amount != nil {
		amount := *t.Amount
		c.Amount = &amount
	}
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

// WithStatus returns a new snapshot carrying the given status and update time
func (t *UnifiedTransaction) WithStatus(status TransactionStatus, at time.Time) *UnifiedTransaction {
	c := t.Clone()
	c.Status = status
	c.UpdatedAt = at
	return c
}
