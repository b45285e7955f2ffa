package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bitsacco/bitsacco-sub002/internal/application/dispatcher"
	"github.com/bitsacco/bitsacco-sub002/internal/application/port"
	"github.com/bitsacco/bitsacco-sub002/internal/application/withdrawal"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/event"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
)

const journalTimeout = 5 * time.Second

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// StatusMonitor is the part of the transaction monitor the service drives
type StatusMonitor interface {
	Monitor(tx *entity.UnifiedTransaction) error
	UpdateTransactionStatus(id string, status entity.TransactionStatus) error
	IsMonitored(id string) bool
}

// Dependencies wires a WithdrawalService
type Dependencies struct {
	Withdrawals port.WithdrawalRepository
	Transitions port.TransitionRepository
	TxManager   port.TransactionManager
	Monitor     StatusMonitor
	Dispatcher  dispatcher.Dispatcher
	Exporter    port.AuditExporter
	Logger      Logger

	// MachineOptions are appended to every machine the service creates or restores
	MachineOptions []withdrawal.Option
}

// Config holds service settings
type Config struct {
	ApprovalTimeout time.Duration
}

// SubmitRequest describes a new withdrawal
type SubmitRequest struct {
	TransactionID string
	ChamaID       string
	MemberID      string
	Amount        entity.Money
}

// WithdrawalService owns the live withdrawal machines and keeps the journal and
// the transaction monitor in step with them.
type WithdrawalService struct {
	withdrawals port.WithdrawalRepository
	transitions port.TransitionRepository
	txManager   port.TransactionManager
	monitor     StatusMonitor
	dispatcher  dispatcher.Dispatcher
	exporter    port.AuditExporter
	logger      Logger
	cfg         Config
	machineOpts []withdrawal.Option

	mu       sync.RWMutex
	machines map[string]*withdrawal.Machine
	closed   bool
}

// NewWithdrawalService creates the service and subscribes it to monitor events
func NewWithdrawalService(deps Dependencies, cfg Config) (*WithdrawalService, error) {
	if deps.Withdrawals == nil || deps.Transitions == nil || deps.TxManager == nil {
		return nil, errors.New("withdrawal service requires repositories and a transaction manager")
	}
	if deps.Monitor == nil {
		return nil, errors.New("withdrawal service requires a status monitor")
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = withdrawal.DefaultApprovalTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	s := &WithdrawalService{
		withdrawals: deps.Withdrawals,
		transitions: deps.Transitions,
		txManager:   deps.TxManager,
		monitor:     deps.Monitor,
		dispatcher:  deps.Dispatcher,
		exporter:    deps.Exporter,
		logger:      logger,
		cfg:         cfg,
		machineOpts: deps.MachineOptions,
		machines:    make(map[string]*withdrawal.Machine),
	}

	if s.dispatcher != nil {
		s.dispatcher.SubscribeNamed(event.TypeTransactionStatusChange, "withdrawal-service.status", s.onStatusChanged)
		s.dispatcher.SubscribeNamed(event.TypeTransactionMonitorError, "withdrawal-service.monitor-error", s.onMonitorError)
	}
	return s, nil
}

func (s *WithdrawalService) options() []withdrawal.Option {
	opts := []withdrawal.Option{
		withdrawal.WithApprovalTimeout(s.cfg.ApprovalTimeout),
		withdrawal.WithCommitHook(s.commit),
		withdrawal.WithStateChangeHandler(s.applied),
	}
	if s.dispatcher != nil {
		opts = append(opts, withdrawal.WithDispatcher(s.dispatcher))
	}
	return append(opts, s.machineOpts...)
}

// Submit creates a withdrawal, journals it and requests approval
func (s *WithdrawalService) Submit(ctx context.Context, req SubmitRequest) (*entity.Withdrawal, error) {
	id := req.TransactionID
	if id == "" {
		id = uuid.NewString()
	}

	m, err := withdrawal.New(id, req.ChamaID, req.MemberID, req.Amount, s.options()...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	if _, exists := s.machines[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWithdrawal, id)
	}
	s.machines[id] = m
	s.mu.Unlock()

	record := m.Snapshot()
	record.Confirmation = entity.ConfirmationPending
	if err := s.withdrawals.Create(ctx, &record); err != nil {
		s.forget(id, m)
		if _, getErr := s.withdrawals.GetByID(ctx, id); getErr == nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateWithdrawal, id)
		}
		s.logger.Error("Failed to journal withdrawal", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}

	if err := m.Request(ctx, req.MemberID); err != nil {
		// The journal keeps the requested record; the member may still cancel it.
		s.forget(id, m)
		s.logger.Error("Failed to request approval", "transaction_id", id, "error", err)
		return nil, err
	}

	s.logger.Info("Withdrawal submitted",
		"transaction_id", id,
		"chama_id", req.ChamaID,
		"member_id", req.MemberID,
		"amount", req.Amount.String())
	return s.Get(ctx, id)
}

// Approve records an admin approval
func (s *WithdrawalService) Approve(ctx context.Context, id, actor, comment string) (*entity.Withdrawal, error) {
	return s.apply(ctx, id, func(m *withdrawal.Machine) error { return m.Approve(ctx, actor, comment) })
}

// Reject records an admin rejection
func (s *WithdrawalService) Reject(ctx context.Context, id, actor, reason string) (*entity.Withdrawal, error) {
	return s.apply(ctx, id, func(m *withdrawal.Machine) error { return m.Reject(ctx, actor, reason) })
}

// Execute starts settlement of an approved withdrawal
func (s *WithdrawalService) Execute(ctx context.Context, id, actor, paymentMethod string) (*entity.Withdrawal, error) {
	return s.apply(ctx, id, func(m *withdrawal.Machine) error { return m.Execute(ctx, actor, paymentMethod) })
}

// Cancel withdraws the request on behalf of the requesting member
func (s *WithdrawalService) Cancel(ctx context.Context, id, actor, reason string) (*entity.Withdrawal, error) {
	return s.apply(ctx, id, func(m *withdrawal.Machine) error { return m.Cancel(ctx, actor, reason) })
}

// Fail marks the withdrawal failed
func (s *WithdrawalService) Fail(ctx context.Context, id, actor, reason string) (*entity.Withdrawal, error) {
	return s.apply(ctx, id, func(m *withdrawal.Machine) error { return m.Fail(ctx, actor, reason) })
}

// Complete marks settlement as done
func (s *WithdrawalService) Complete(ctx context.Context, id string) (*entity.Withdrawal, error) {
	return s.apply(ctx, id, func(m *withdrawal.Machine) error { return m.Complete(ctx) })
}

func (s *WithdrawalService) apply(ctx context.Context, id string, fn func(*withdrawal.Machine) error) (*entity.Withdrawal, error) {
	m, err := s.machineFor(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get returns the journaled withdrawal
func (s *WithdrawalService) Get(ctx context.Context, id string) (*entity.Withdrawal, error) {
	return s.withdrawals.GetByID(ctx, id)
}

// History returns the audit trail in order
func (s *WithdrawalService) History(ctx context.Context, id string) ([]*entity.WithdrawalTransition, error) {
	if _, err := s.withdrawals.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.transitions.ListByWithdrawal(ctx, id)
}

// ListByChama pages through a chama's withdrawals, newest first
func (s *WithdrawalService) ListByChama(ctx context.Context, chamaID string, limit, offset int) ([]*entity.Withdrawal, error) {
	return s.withdrawals.ListByChama(ctx, chamaID, limit, offset)
}

// PermittedActions lists the actions available from the withdrawal's current state
func (s *WithdrawalService) PermittedActions(ctx context.Context, id string) ([]workflow.Trigger, error) {
	m, err := s.machineFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.PermittedActions(), nil
}

// ExportAudit writes the audit trail to a workbook and returns its path
func (s *WithdrawalService) ExportAudit(ctx context.Context, id string) (string, error) {
	if s.exporter == nil {
		return "", ErrExportDisabled
	}
	w, err := s.withdrawals.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	transitions, err := s.transitions.ListByWithdrawal(ctx, id)
	if err != nil {
		return "", err
	}
	return s.exporter.ExportTransitions(ctx, w, transitions)
}

// machineFor returns the live machine for id, restoring it from the journal
// when it is not loaded. Final machines are not cached.
func (s *WithdrawalService) machineFor(ctx context.Context, id string) (*withdrawal.Machine, error) {
	s.mu.RLock()
	m, ok := s.machines[id]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrServiceClosed
	}
	if ok {
		return m, nil
	}

	m, err := s.restore(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsFinal() {
		return m, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.machines[id]; ok {
		m.Close()
		return existing, nil
	}
	s.machines[id] = m
	return m, nil
}

func (s *WithdrawalService) restore(ctx context.Context, id string) (*withdrawal.Machine, error) {
	rec, err := s.withdrawals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.restoreRecord(ctx, rec)
}

func (s *WithdrawalService) restoreRecord(ctx context.Context, rec *entity.Withdrawal) (*withdrawal.Machine, error) {
	trail, err := s.transitions.ListByWithdrawal(ctx, rec.TransactionID)
	if err != nil {
		return nil, err
	}
	values := make([]entity.WithdrawalTransition, 0, len(trail))
	for _, t := range trail {
		values = append(values, *t)
	}
	return withdrawal.Restore(*rec, values, s.options()...)
}

// RestoreActive reloads every non-final withdrawal from the journal, re-arming
// expiry timers and re-registering in-flight ones with the monitor.
func (s *WithdrawalService) RestoreActive(ctx context.Context) (int, error) {
	active, err := s.withdrawals.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active withdrawals: %w", err)
	}

	restored := 0
	for _, rec := range active {
		s.mu.RLock()
		_, loaded := s.machines[rec.TransactionID]
		s.mu.RUnlock()
		if loaded {
			continue
		}

		m, err := s.restoreRecord(ctx, rec)
		if err != nil {
			s.logger.Error("Failed to restore withdrawal", "transaction_id", rec.TransactionID, "error", err)
			continue
		}

		s.mu.Lock()
		s.machines[rec.TransactionID] = m
		s.mu.Unlock()
		restored++

		if status := StatusFor(rec.State); visible(rec.State) && !s.monitor.IsMonitored(rec.TransactionID) {
			if err := s.monitor.Monitor(transactionFor(m, status, time.Now().UTC())); err != nil {
				s.logger.Error("Failed to resume monitoring", "transaction_id", rec.TransactionID, "error", err)
			}
		}
	}

	s.logger.Info("Restored active withdrawals", "count", restored)
	return restored, nil
}

// ResyncMonitoring registers every loaded withdrawal that belongs in the
// monitor's view but dropped out of it, such as after a fetch failure.
func (s *WithdrawalService) ResyncMonitoring(ctx context.Context) (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrServiceClosed
	}
	loaded := make([]*withdrawal.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		loaded = append(loaded, m)
	}
	s.mu.RUnlock()

	registered := 0
	for _, m := range loaded {
		if ctx.Err() != nil {
			return registered, ctx.Err()
		}
		state := m.State()
		if !visible(state) || s.monitor.IsMonitored(m.TransactionID()) {
			continue
		}
		if err := s.monitor.Monitor(transactionFor(m, StatusFor(state), time.Now().UTC())); err != nil {
			s.logger.Error("Failed to resync monitoring", "transaction_id", m.TransactionID(), "error", err)
			continue
		}
		registered++
	}

	if registered > 0 {
		s.logger.Info("Resynced monitored withdrawals", "count", registered)
	}
	return registered, nil
}

// Evict drops final machines whose journal entry is older than retention
func (s *WithdrawalService) Evict(ctx context.Context, retention time.Duration) (int, error) {
	ids, err := s.withdrawals.ListFinalBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}

	evicted := 0
	s.mu.Lock()
	for _, id := range ids {
		if m, ok := s.machines[id]; ok && m.IsFinal() {
			m.Close()
			delete(s.machines, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Info("Evicted final withdrawals", "count", evicted)
	}
	return evicted, nil
}

// Loaded returns how many machines are held in memory
func (s *WithdrawalService) Loaded() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines)
}

// Close stops every machine's timer. Journaled state is kept.
func (s *WithdrawalService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, m := range s.machines {
		m.Close()
		delete(s.machines, id)
	}
	s.logger.Info("Withdrawal service closed")
}

func (s *WithdrawalService) forget(id string, m *withdrawal.Machine) {
	m.Close()
	s.mu.Lock()
	if s.machines[id] == m {
		delete(s.machines, id)
	}
	s.mu.Unlock()
}
