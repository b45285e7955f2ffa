package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/dispatcher"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/event"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
	"github.com/bitsacco/bitsacco-sub002/pkg/utils"
)

// expireRetryDelay spaces out expiry attempts whose journal write failed
const expireRetryDelay = 30 * time.Second

// Machine governs the approval workflow of a single withdrawal request.
//
// All state lives behind mu, which is held across the whole
// check-then-transition sequence, including the expiry callback. Handlers
// run after mu is released but under notifyMu, so they observe transitions
// in the order they happened. Commit hooks run under mu before a transition
// is applied, so a failed journal write never leaves a half-applied state.
type Machine struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	transactionID   string
	chamaID         string
	memberID        string
	amount          entity.Money
	createdAt       time.Time
	approvalTimeout time.Duration

	sm            workflow.StateMachine
	transitions   []entity.WithdrawalTransition
	paymentMethod string
	expiresAt     *time.Time
	timer         Timer
	timerGen      uint64
	closed        bool

	commitHooks []CommitHook
	handlers    []StateChangeHandler
	dispatcher  dispatcher.Dispatcher
	logger      *zap.Logger
	clock       Clock
}

func newMachine(opts []Option) *Machine {
	m := &Machine{
		approvalTimeout: DefaultApprovalTimeout,
		logger:          zap.NewNop(),
		clock:           realClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// New creates a machine in the requested state
func New(transactionID, chamaID, memberID string, amount entity.Money, opts ...Option) (*Machine, error) {
	for kind, id := range map[string]string{
		"transaction id": transactionID,
		"chama id":       chamaID,
		"member id":      memberID,
	} {
		if err := utils.ValidateIdentifier(kind, id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if !amount.Amount.IsPositive() || amount.Currency == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, entity.ErrInvalidMoney)
	}

	m := newMachine(opts)
	m.transactionID = transactionID
	m.chamaID = chamaID
	m.memberID = memberID
	m.amount = amount
	m.createdAt = m.clock.Now()
	m.sm = table().Build(workflow.StateRequested)

	return m, nil
}

// Restore rebuilds a machine from its journaled record and transitions.
// A pending approval re-arms the remaining timeout; an overdue one expires
// as soon as the timer goroutine runs.
func Restore(rec entity.Withdrawal, transitions []entity.WithdrawalTransition, opts ...Option) (*Machine, error) {
	if !rec.State.IsValid() {
		return nil, fmt.Errorf("%w: %s", workflow.ErrInvalidState, rec.State)
	}

	m := newMachine(opts)
	m.transactionID = rec.TransactionID
	m.chamaID = rec.ChamaID
	m.memberID = rec.MemberID
	m.amount = rec.Amount
	m.createdAt = rec.CreatedAt
	m.paymentMethod = rec.PaymentMethod
	if rec.ApprovalTimeout > 0 {
		m.approvalTimeout = rec.ApprovalTimeout
	}
	m.sm = table().Build(rec.State)
	m.transitions = append([]entity.WithdrawalTransition(nil), transitions...)

	if rec.State == workflow.StatePendingApproval {
		var deadline time.Time
		switch {
		case rec.ExpiresAt != nil:
			deadline = *rec.ExpiresAt
		case len(m.transitions) > 0:
			deadline = m.transitions[len(m.transitions)-1].Timestamp.Add(m.approvalTimeout)
		default:
			deadline = m.createdAt.Add(m.approvalTimeout)
		}
		remaining := deadline.Sub(m.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		m.mu.Lock()
		m.armTimerLocked(remaining)
		m.expiresAt = &deadline
		m.mu.Unlock()
	}

	return m, nil
}

// Request submits the withdrawal for approval and arms the expiry timer
func (m *Machine) Request(ctx context.Context, actor string) error {
	return m.transition(ctx, workflow.TriggerRequest, actor, "", nil)
}

// Approve records an admin approval; the requester may not approve their own request
func (m *Machine) Approve(ctx context.Context, actor, comment string) error {
	return m.transition(ctx, workflow.TriggerApprove, actor, utils.SanitizeString(comment), nil)
}

// Reject records an admin rejection with a reason
func (m *Machine) Reject(ctx context.Context, actor, reason string) error {
	reason = utils.SanitizeString(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	return m.transition(ctx, workflow.TriggerReject, actor, reason, nil)
}

// Execute starts settlement; only the requesting member may execute
func (m *Machine) Execute(ctx context.Context, actor, paymentMethod string) error {
	paymentMethod = utils.SanitizeString(paymentMethod)
	if paymentMethod == "" {
		return ErrPaymentMethodRequired
	}
	return m.transition(ctx, workflow.TriggerExecute, actor, paymentMethod, func() {
		m.paymentMethod = paymentMethod
	})
}

// Complete marks settlement as done. The system actor is recorded.
func (m *Machine) Complete(ctx context.Context) error {
	return m.transition(ctx, workflow.TriggerComplete, SystemActor, "", nil)
}

// Fail marks the withdrawal failed from pending_approval, approved or executing
func (m *Machine) Fail(ctx context.Context, actor, reason string) error {
	reason = utils.SanitizeString(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	return m.transition(ctx, workflow.TriggerFail, actor, reason, nil)
}

// Cancel withdraws the request; only the requesting member may cancel, and not while executing
func (m *Machine) Cancel(ctx context.Context, actor, reason string) error {
	return m.transition(ctx, workflow.TriggerCancel, actor, utils.SanitizeString(reason), nil)
}

// Close stops the expiry timer. The machine stays readable.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimerLocked()
}

func (m *Machine) transition(ctx context.Context, trigger workflow.Trigger, actor, comment string, onSuccess func()) error {
	if err := utils.ValidateActorID(actor); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidActor, err)
	}

	m.mu.Lock()
	tr, err := m.fireLocked(ctx, trigger, actor, comment)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if onSuccess != nil {
		onSuccess()
	}
	m.notifyMu.Lock()
	m.mu.Unlock()

	defer m.notifyMu.Unlock()
	m.notify(ctx, tr)
	return nil
}

func (m *Machine) fireLocked(ctx context.Context, trigger workflow.Trigger, actor, comment string) (entity.WithdrawalTransition, error) {
	from := m.sm.State()
	guardCtx := withMember(workflow.WithActor(ctx, actor), m.memberID)
	if err := m.sm.Fire(guardCtx, trigger); err != nil {
		return entity.WithdrawalTransition{}, err
	}
	to := m.sm.State()

	tr := entity.WithdrawalTransition{
		ID:            uuid.NewString(),
		TransactionID: m.transactionID,
		Sequence:      len(m.transitions) + 1,
		From:          from,
		To:            to,
		Action:        trigger.String(),
		ActorUserID:   actor,
		Comment:       comment,
		Timestamp:     m.clock.Now(),
	}
	for _, hook := range m.commitHooks {
		if err := hook(ctx, tr); err != nil {
			m.sm = table().Build(from)
			return entity.WithdrawalTransition{}, fmt.Errorf("%w: %s: %w", ErrCommitFailed, trigger, err)
		}
	}
	m.transitions = append(m.transitions, tr)

	if from == workflow.StatePendingApproval {
		m.stopTimerLocked()
		m.expiresAt = nil
	}
	if to == workflow.StatePendingApproval && !m.closed {
		m.armTimerLocked(m.approvalTimeout)
		deadline := tr.Timestamp.Add(m.approvalTimeout)
		m.expiresAt = &deadline
	}

	return tr, nil
}

func (m *Machine) armTimerLocked(d time.Duration) {
	m.stopTimerLocked()
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(d, func() { m.expire(gen) })
}

// stopTimerLocked cancels the pending expiry. Bumping the generation turns
// a callback that already fired and is waiting on mu into a no-op.
func (m *Machine) stopTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.timerGen || m.sm.State() != workflow.StatePendingApproval {
		m.mu.Unlock()
		return
	}
	tr, err := m.fireLocked(context.Background(), workflow.TriggerExpire, SystemActor, "approval timeout elapsed")
	if err != nil {
		// The withdrawal is still pending; try again rather than leave it unexpirable.
		if errors.Is(err, ErrCommitFailed) && !m.closed {
			m.armTimerLocked(expireRetryDelay)
		}
		m.mu.Unlock()
		m.logger.Error("Failed to expire withdrawal",
			zap.String("transaction_id", m.transactionID),
			zap.Error(err))
		return
	}
	m.notifyMu.Lock()
	m.mu.Unlock()

	defer m.notifyMu.Unlock()
	m.notify(context.Background(), tr)
}

func (m *Machine) notify(ctx context.Context, tr entity.WithdrawalTransition) {
	m.logger.Info("Withdrawal state changed",
		zap.String("transaction_id", m.transactionID),
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.String("action", tr.Action),
		zap.String("actor", tr.ActorUserID),
	)

	for _, h := range m.handlers {
		m.safeHandle(h, tr)
	}

	if m.dispatcher != nil {
		evt := event.NewEvent(event.TypeWithdrawalStateChanged, m.transactionID, map[string]interface{}{
			event.KeyFromState: tr.From.String(),
			event.KeyToState:   tr.To.String(),
			event.KeyAction:    tr.Action,
			event.KeyActor:     tr.ActorUserID,
			event.KeyComment:   tr.Comment,
			event.KeyChamaID:   m.chamaID,
		})
		if err := m.dispatcher.Dispatch(context.WithoutCancel(ctx), evt); err != nil {
			m.logger.Error("Failed to dispatch withdrawal state change",
				zap.String("transaction_id", m.transactionID),
				zap.Error(err))
		}
	}
}

func (m *Machine) safeHandle(h StateChangeHandler, tr entity.WithdrawalTransition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("State change handler panic recovered",
				zap.String("transaction_id", m.transactionID),
				zap.Any("panic", r))
		}
	}()
	h(tr.To, tr)
}
