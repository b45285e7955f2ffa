package service

import (
	"context"
	"errors"
	"time"

	"github.com/bitsacco/bitsacco-sub002/internal/application/monitor"
	"github.com/bitsacco/bitsacco-sub002/internal/application/port"
	"github.com/bitsacco/bitsacco-sub002/internal/application/withdrawal"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/event"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
)

var stateStatus = map[workflow.State]entity.TransactionStatus{
	workflow.StateRequested:       entity.TransactionStatusPending,
	workflow.StatePendingApproval: entity.TransactionStatusPendingApproval,
	workflow.StateApproved:        entity.TransactionStatusApproved,
	workflow.StateExecuting:       entity.TransactionStatusProcessing,
	workflow.StateCompleted:       entity.TransactionStatusCompleted,
	workflow.StateFailed:          entity.TransactionStatusFailed,
	workflow.StateRejected:        entity.TransactionStatusRejected,
	workflow.StateExpired:         entity.TransactionStatusExpired,
}

// StatusFor maps a withdrawal state to the transaction status the backend reports for it
func StatusFor(state workflow.State) entity.TransactionStatus {
	return stateStatus[state]
}

// tracked reports whether entering state (re)registers the transaction with the monitor
func tracked(state workflow.State) bool {
	return state == workflow.StatePendingApproval || state == workflow.StateExecuting
}

// visible reports whether a withdrawal in state belongs in the monitor's view.
// Pending approvals stay visible for their whole approval window.
func visible(state workflow.State) bool {
	return state == workflow.StatePendingApproval ||
		state == workflow.StateApproved ||
		state == workflow.StateExecuting
}

func transactionFor(m *withdrawal.Machine, status entity.TransactionStatus, at time.Time) *entity.UnifiedTransaction {
	amount := m.Amount()
	return &entity.UnifiedTransaction{
		ID:        m.TransactionID(),
		Context:   entity.ContextChama,
		Type:      entity.TransactionTypeWithdrawal,
		Status:    status,
		Amount:    &amount,
		ChamaID:   m.ChamaID(),
		MemberID:  m.MemberID(),
		CreatedAt: m.CreatedAt(),
		UpdatedAt: at,
	}
}

// commit journals a transition before the machine applies it. A failure
// aborts the transition, so the journal and the machine never disagree.
func (s *WithdrawalService) commit(ctx context.Context, tr entity.WithdrawalTransition) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		rec, err := s.withdrawals.GetByID(txCtx, tr.TransactionID)
		if err != nil {
			return err
		}

		rec.State = tr.To
		rec.UpdatedAt = tr.Timestamp
		rec.ExpiresAt = nil
		if tr.To == workflow.StatePendingApproval {
			deadline := tr.Timestamp.Add(rec.ApprovalTimeout)
			rec.ExpiresAt = &deadline
		}
		if tr.Action == workflow.TriggerExecute.String() {
			rec.PaymentMethod = tr.Comment
		}
		if tr.To == workflow.StateCompleted {
			rec.Confirmation = entity.ConfirmationConfirmed
		}

		if err := s.withdrawals.Update(txCtx, rec); err != nil {
			return err
		}
		transition := tr
		return s.transitions.Append(txCtx, &transition)
	})
	if err != nil {
		s.logger.Error("Failed to journal transition",
			"transaction_id", tr.TransactionID,
			"sequence", tr.Sequence,
			"to", tr.To.String(),
			"error", err)
	}
	return err
}

// applied pushes a committed transition to the monitor. It runs as the
// machine's state change handler, so it must not call the machine's mutators.
func (s *WithdrawalService) applied(state workflow.State, tr entity.WithdrawalTransition) {
	s.syncMonitor(tr.TransactionID, state, tr.Timestamp)
}

func (s *WithdrawalService) syncMonitor(id string, state workflow.State, at time.Time) {
	status := StatusFor(state)

	if tracked(state) {
		s.mu.RLock()
		m, ok := s.machines[id]
		s.mu.RUnlock()
		if !ok {
			return
		}
		if err := s.monitor.Monitor(transactionFor(m, status, at)); err != nil {
			s.logger.Error("Failed to register transaction with monitor", "transaction_id", id, "error", err)
		}
		return
	}

	err := s.monitor.UpdateTransactionStatus(id, status)
	if err != nil && !errors.Is(err, monitor.ErrNotMonitored) {
		s.logger.Error("Failed to push status to monitor", "transaction_id", id, "status", status.String(), "error", err)
	}
}

// onStatusChanged settles a withdrawal once the backend reports its outcome
func (s *WithdrawalService) onStatusChanged(ctx context.Context, evt *event.Event) error {
	if t := evt.GetPayloadString(event.KeyTxType); t != "" && t != string(entity.TransactionTypeWithdrawal) {
		return nil
	}
	status := entity.TransactionStatus(evt.GetPayloadString(event.KeyNewStatus))
	if status != entity.TransactionStatusCompleted && status != entity.TransactionStatusFailed {
		return nil
	}

	id := evt.AggregateID
	m, err := s.machineFor(ctx, id)
	if err != nil {
		// Not a withdrawal this service owns
		return nil
	}
	if m.IsFinal() {
		return nil
	}

	switch status {
	case entity.TransactionStatusCompleted:
		err = m.Complete(ctx)
	case entity.TransactionStatusFailed:
		reason := evt.GetPayloadString(event.KeyFailureReason)
		if reason == "" {
			reason = "backend reported failure"
		}
		err = m.Fail(ctx, withdrawal.SystemActor, reason)
	}
	if err != nil {
		s.logger.Error("Failed to settle withdrawal from backend status",
			"transaction_id", id,
			"status", status.String(),
			"error", err)
		return err
	}
	return nil
}

// onMonitorError marks the withdrawal's confirmation stale. The withdrawal
// itself is left in its current state. A pending approval whose poll budget
// ran out is only awaiting an admin, so it is registered again instead.
func (s *WithdrawalService) onMonitorError(ctx context.Context, evt *event.Event) error {
	id := evt.AggregateID
	if evt.GetPayloadString(event.KeyErrorKind) == "timeout" && s.renewPending(id) {
		return nil
	}

	err := s.withdrawals.UpdateConfirmation(ctx, id, entity.ConfirmationStale)
	if errors.Is(err, port.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("Withdrawal confirmation marked stale",
		"transaction_id", id,
		"reason", evt.GetPayloadString(event.KeyError),
		"kind", evt.GetPayloadString(event.KeyErrorKind))
	return nil
}

func (s *WithdrawalService) renewPending(id string) bool {
	s.mu.RLock()
	m, ok := s.machines[id]
	s.mu.RUnlock()
	if !ok || m.State() != workflow.StatePendingApproval {
		return false
	}
	if err := s.monitor.Monitor(transactionFor(m, entity.TransactionStatusPendingApproval, time.Now().UTC())); err != nil {
		s.logger.Error("Failed to renew pending approval monitoring", "transaction_id", id, "error", err)
		return false
	}
	s.logger.Info("Renewed pending approval monitoring", "transaction_id", id)
	return true
}
