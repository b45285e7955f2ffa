package withdrawal

import (
	"time"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
)

func (m *Machine) TransactionID() string { return m.transactionID }
func (m *Machine) ChamaID() string       { return m.chamaID }
func (m *Machine) MemberID() string      { return m.memberID }
func (m *Machine) Amount() entity.Money  { return m.amount }
func (m *Machine) CreatedAt() time.Time  { return m.createdAt }

// State returns the current state
func (m *Machine) State() workflow.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.State()
}

// IsActive reports whether the withdrawal can still change state
func (m *Machine) IsActive() bool {
	return !m.State().IsTerminal()
}

// IsFinal reports whether the withdrawal reached a terminal state
func (m *Machine) IsFinal() bool {
	return !m.IsActive()
}

// RequiresApproval reports whether an admin decision is awaited
func (m *Machine) RequiresApproval() bool {
	return m.State() == workflow.StatePendingApproval
}

// CanExecute reports whether the withdrawal has been approved and awaits execution
func (m *Machine) CanExecute() bool {
	return m.State() == workflow.StateApproved
}

// CanUserApprove reports whether user is someone other than the requester
func (m *Machine) CanUserApprove(user string) bool {
	return user != m.memberID
}

// CanUserExecute reports whether user is the requester and the withdrawal is approved
func (m *Machine) CanUserExecute(user string) bool {
	return user == m.memberID && m.CanExecute()
}

// CanUserCancel reports whether user is the requester and cancellation is still possible
func (m *Machine) CanUserCancel(user string) bool {
	state := m.State()
	return user == m.memberID && !state.IsTerminal() && state != workflow.StateExecuting
}

// PermittedActions lists the triggers configured for the current state
func (m *Machine) PermittedActions() []workflow.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.PermittedTriggers()
}

// Transitions returns a copy of the audit trail
func (m *Machine) Transitions() []entity.WithdrawalTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entity.WithdrawalTransition(nil), m.transitions...)
}

func (m *Machine) lastTransitionLocked() (entity.WithdrawalTransition, bool) {
	if len(m.transitions) == 0 {
		return entity.WithdrawalTransition{}, false
	}
	return m.transitions[len(m.transitions)-1], true
}

// Snapshot returns the journaled view of the machine
func (m *Machine) Snapshot() entity.Withdrawal {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.createdAt
	if last, ok := m.lastTransitionLocked(); ok {
		updated = last.Timestamp
	}
	var expiresAt *time.Time
	if m.expiresAt != nil {
		t := *m.expiresAt
		expiresAt = &t
	}

	return entity.Withdrawal{
		TransactionID:   m.transactionID,
		ChamaID:         m.chamaID,
		MemberID:        m.memberID,
		Amount:          m.amount,
		State:           m.sm.State(),
		PaymentMethod:   m.paymentMethod,
		ApprovalTimeout: m.approvalTimeout,
		ExpiresAt:       expiresAt,
		CreatedAt:       m.createdAt,
		UpdatedAt:       updated,
	}
}
