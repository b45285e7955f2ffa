package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/dispatcher"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/event"
)

// FetchFunc returns the latest snapshot of tx from the source of truth.
// A nil snapshot with a nil error means no new information.
type FetchFunc func(ctx context.Context, tx *entity.UnifiedTransaction) (*entity.UnifiedTransaction, error)

// StatusChangeHandler receives the fresh snapshot and the status it replaced
type StatusChangeHandler func(tx *entity.UnifiedTransaction, oldStatus entity.TransactionStatus)

// ErrorHandler receives a terminal monitoring error for a transaction id
type ErrorHandler func(err error, transactionID string)

// SnapshotStore persists monitored snapshots so a restarted process can resume
type SnapshotStore interface {
	Save(ctx context.Context, tx *entity.UnifiedTransaction) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*entity.UnifiedTransaction, error)
}

type entry struct {
	tx          *entity.UnifiedTransaction
	pollCount   int
	retryCount  int
	monitoredAt time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// Monitor polls many in-flight transactions until each reaches a terminal
// status, exhausts its budget, or is stopped. Each registered id owns one
// goroutine; a poll is rescheduled only after the previous one completes.
type Monitor struct {
	cfg   Config
	fetch FetchFunc

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	notify     *notifier

	statusHandlers []StatusChangeHandler
	errorHandlers  []ErrorHandler
	dispatcher     dispatcher.Dispatcher
	store          SnapshotStore
	logger         *zap.Logger
	now            func() time.Time
}

// Option configures a Monitor
type Option func(*Monitor)

// WithStatusChangeHandler adds a status change subscriber
func WithStatusChangeHandler(h StatusChangeHandler) Option {
	return func(m *Monitor) {
		if h != nil {
			m.statusHandlers = append(m.statusHandlers, h)
		}
	}
}

// WithErrorHandler adds an error subscriber
func WithErrorHandler(h ErrorHandler) Option {
	return func(m *Monitor) {
		if h != nil {
			m.errorHandlers = append(m.errorHandlers, h)
		}
	}
}

// WithDispatcher publishes transaction events to d
func WithDispatcher(d dispatcher.Dispatcher) Option {
	return func(m *Monitor) {
		m.dispatcher = d
	}
}

// WithSnapshotStore mirrors the registry into store
func WithSnapshotStore(store SnapshotStore) Option {
	return func(m *Monitor) {
		m.store = store
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNow replaces the clock used for staleness classification
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a monitor around fetch
func New(fetch FetchFunc, cfg Config, opts ...Option) (*Monitor, error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch function is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:     cfg.withDefaults(),
		fetch:   fetch,
		entries: make(map[string]*entry),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	m.notify = newNotifier()

	return m, nil
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.cfg
}

// Monitor registers tx and starts polling it immediately. A terminal tx is
// ignored. Re-registering an id cancels its previous loop and resets counters.
func (m *Monitor) Monitor(tx *entity.UnifiedTransaction) error {
	if tx == nil || tx.ID == "" {
		return ErrInvalidTransaction
	}
	if tx.Status.IsTerminal() {
		return nil
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	e := &entry{
		tx:          tx.Clone(),
		monitoredAt: m.now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrClosed
	}
	prev := m.entries[tx.ID]
	m.entries[tx.ID] = e
	if prev != nil {
		prev.cancel()
	}
	m.persistLocked(e.tx)
	m.mu.Unlock()

	m.logger.Info("Monitoring transaction",
		zap.String("transaction_id", tx.ID),
		zap.String("status", tx.Status.String()),
		zap.Bool("restarted", prev != nil))

	go m.run(ctx, e, prev)
	return nil
}

// StopMonitoring removes id from the registry and waits for its loop to exit.
// Absent ids are ignored. Notifications queued before the call may still be
// delivered after it returns.
func (m *Monitor) StopMonitoring(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		m.removeLocked(id, e, true)
	}
	m.mu.Unlock()

	if ok {
		<-e.done
	}
}

// StopAll stops every monitored transaction and forgets their snapshots
func (m *Monitor) StopAll() {
	m.stopAll(true)
}

func (m *Monitor) stopAll(forget bool) {
	m.mu.Lock()
	stopped := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		m.removeLocked(id, e, forget)
		stopped = append(stopped, e)
	}
	m.mu.Unlock()

	for _, e := range stopped {
		<-e.done
	}
}

// UpdateTransactionStatus applies an out-of-band status push such as a
// webhook. It notifies only when the status differs and stops monitoring on
// a terminal status.
func (m *Monitor) UpdateTransactionStatus(id string, status entity.TransactionStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, status)
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotMonitored
	}
	if e.tx.Status == status {
		m.mu.Unlock()
		return nil
	}

	old := e.tx.Status
	e.tx = e.tx.WithStatus(status, m.now())
	m.statusChangedLocked(e.tx, old)

	terminal := status.IsTerminal()
	if terminal {
		m.removeLocked(id, e, true)
	} else {
		m.persistLocked(e.tx)
	}
	m.mu.Unlock()

	if terminal {
		<-e.done
	}
	return nil
}

// Close stops all loops, keeping stored snapshots for the next process, and
// drains pending notifications.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stopAll(false)
	m.baseCancel()
	m.notify.close()
}

// Flush waits until every notification queued so far has been delivered.
// It must not be called from a handler.
func (m *Monitor) Flush() {
	m.notify.flush()
}

func (m *Monitor) run(ctx context.Context, e *entry, prev *entry) {
	defer close(e.done)

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay, ok := m.poll(ctx, e)
		if !ok {
			return
		}
		timer.Reset(delay)
	}
}

// poll performs one poll round and reports the delay before the next one
func (m *Monitor) poll(ctx context.Context, e *entry) (time.Duration, bool) {
	m.mu.Lock()
	id := e.tx.ID
	if m.entries[id] != e {
		m.mu.Unlock()
		return 0, false
	}
	e.pollCount++
	current := e.tx.Clone()
	m.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	fresh, err := m.safeFetch(fetchCtx, current)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil || m.entries[id] != e {
		return 0, false
	}

	if err != nil {
		e.retryCount++
		m.logger.Warn("Transaction status fetch failed",
			zap.String("transaction_id", id),
			zap.Int("attempt", e.retryCount),
			zap.Error(err))

		if e.retryCount >= m.cfg.MaxFetchFailures {
			m.failLocked(id, e, &FetchError{TransactionID: id, Attempts: e.retryCount, Err: err})
			return 0, false
		}
		if e.pollCount >= m.cfg.MaxRetries {
			m.failLocked(id, e, &PollingTimeoutError{TransactionID: id, Polls: e.pollCount, LastStatus: e.tx.Status})
			return 0, false
		}
		return m.cfg.errorDelay(e.retryCount), true
	}

	e.retryCount = 0

	if fresh != nil && fresh.Status != e.tx.Status {
		old := e.tx.Status
		e.tx = fresh.Clone()
		e.tx.ID = id
		m.statusChangedLocked(e.tx, old)

		if e.tx.Status.IsTerminal() {
			m.removeLocked(id, e, true)
			return 0, false
		}
		m.persistLocked(e.tx)
	}

	if e.pollCount >= m.cfg.MaxRetries {
		m.failLocked(id, e, &PollingTimeoutError{TransactionID: id, Polls: e.pollCount, LastStatus: e.tx.Status})
		return 0, false
	}

	return m.cfg.PollingInterval, true
}

func (m *Monitor) safeFetch(ctx context.Context, tx *entity.UnifiedTransaction) (fresh *entity.UnifiedTransaction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panic: %v", r)
		}
	}()
	return m.fetch(ctx, tx)
}

// removeLocked drops e from the registry and cancels its loop
func (m *Monitor) removeLocked(id string, e *entry, forget bool) {
	delete(m.entries, id)
	e.cancel()
	if forget && m.store != nil {
		m.notify.push(func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FetchTimeout)
			defer cancel()
			if err := m.store.Delete(ctx, id); err != nil {
				m.logger.Warn("Failed to delete monitored snapshot", zap.String("transaction_id", id), zap.Error(err))
			}
		})
	}
}

func (m *Monitor) persistLocked(tx *entity.UnifiedTransaction) {
	if m.store == nil {
		return
	}
	snapshot := tx.Clone()
	m.notify.push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FetchTimeout)
		defer cancel()
		if err := m.store.Save(ctx, snapshot); err != nil {
			m.logger.Warn("Failed to save monitored snapshot", zap.String("transaction_id", snapshot.ID), zap.Error(err))
		}
	})
}

func (m *Monitor) statusChangedLocked(tx *entity.UnifiedTransaction, old entity.TransactionStatus) {
	snapshot := tx.Clone()

	m.logger.Info("Transaction status changed",
		zap.String("transaction_id", snapshot.ID),
		zap.String("old_status", old.String()),
		zap.String("new_status", snapshot.Status.String()))

	m.notify.push(func() {
		for _, h := range m.statusHandlers {
			m.safeCall(snapshot.ID, func() { h(snapshot.Clone(), old) })
		}
		m.dispatch(event.NewEvent(event.TypeTransactionStatusChange, snapshot.ID, map[string]interface{}{
			event.KeyOldStatus:     old.String(),
			event.KeyNewStatus:     snapshot.Status.String(),
			event.KeyContext:       string(snapshot.Context),
			event.KeyTxType:        string(snapshot.Type),
			event.KeyFailureReason: snapshot.FailureReason,
		}))
	})
}

func (m *Monitor) failLocked(id string, e *entry, err error) {
	m.removeLocked(id, e, true)

	m.logger.Error("Stopped monitoring transaction",
		zap.String("transaction_id", id),
		zap.Int("polls", e.pollCount),
		zap.Error(err))

	kind := "fetch"
	if _, ok := err.(*PollingTimeoutError); ok {
		kind = "timeout"
	}
	m.notify.push(func() {
		for _, h := range m.errorHandlers {
			m.safeCall(id, func() { h(err, id) })
		}
		m.dispatch(event.NewEvent(event.TypeTransactionMonitorError, id, map[string]interface{}{
			event.KeyError:     err.Error(),
			event.KeyErrorKind: kind,
		}))
	})
}

func (m *Monitor) dispatch(evt *event.Event) {
	if m.dispatcher == nil {
		return
	}
	if err := m.dispatcher.Dispatch(context.Background(), evt); err != nil {
		m.logger.Error("Failed to dispatch monitor event",
			zap.String("event_type", evt.Type.String()),
			zap.String("transaction_id", evt.AggregateID),
			zap.Error(err))
	}
}

func (m *Monitor) safeCall(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Monitor handler panic recovered",
				zap.String("transaction_id", id),
				zap.Any("panic", r))
		}
	}()
	fn()
}
