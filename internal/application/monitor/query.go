package monitor

import (
	"sort"
	"time"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

// EntryInfo exposes the bookkeeping for one monitored transaction
type EntryInfo struct {
	Transaction *entity.UnifiedTransaction `json:"transaction"`
	PollCount   int                        `json:"poll_count"`
	RetryCount  int                        `json:"retry_count"`
	MonitoredAt time.Time                  `json:"monitored_at"`
}

// Stats summarizes the registry
type Stats struct {
	Total        int                               `json:"total"`
	HighPriority int                               `json:"high_priority"`
	ByStatus     map[entity.TransactionStatus]int  `json:"by_status"`
	ByContext    map[entity.TransactionContext]int `json:"by_context"`
}

// IsHighPriority reports whether tx awaits a human action or has been
// processing for longer than staleAfter. A zero UpdatedAt is never stale.
func IsHighPriority(tx *entity.UnifiedTransaction, now time.Time, staleAfter time.Duration) bool {
	switch {
	case tx.Status == entity.TransactionStatusPendingApproval:
		return true
	case tx.Type == entity.TransactionTypeWithdrawal && tx.Status == entity.TransactionStatusApproved:
		return true
	case tx.Status == entity.TransactionStatusProcessing && !tx.UpdatedAt.IsZero():
		return now.Sub(tx.UpdatedAt) > staleAfter
	}
	return false
}

// GetMonitoredTransactions returns snapshots of every monitored transaction, ordered by id
func (m *Monitor) GetMonitoredTransactions() []*entity.UnifiedTransaction {
	return m.filter(func(*entity.UnifiedTransaction) bool { return true })
}

// GetTransactionsByStatus returns monitored transactions with the given status
func (m *Monitor) GetTransactionsByStatus(status entity.TransactionStatus) []*entity.UnifiedTransaction {
	return m.filter(func(tx *entity.UnifiedTransaction) bool { return tx.Status == status })
}

// GetTransactionsByContext returns monitored transactions in the given context
func (m *Monitor) GetTransactionsByContext(ctx entity.TransactionContext) []*entity.UnifiedTransaction {
	return m.filter(func(tx *entity.UnifiedTransaction) bool { return tx.Context == ctx })
}

// GetHighPriorityTransactions returns transactions awaiting approval or
// execution, or stuck in processing
func (m *Monitor) GetHighPriorityTransactions() []*entity.UnifiedTransaction {
	now := m.now()
	return m.filter(func(tx *entity.UnifiedTransaction) bool {
		return IsHighPriority(tx, now, m.cfg.StalenessThreshold)
	})
}

// GetStats counts monitored transactions by status and context
func (m *Monitor) GetStats() Stats {
	now := m.now()
	stats := Stats{
		ByStatus:  make(map[entity.TransactionStatus]int),
		ByContext: make(map[entity.TransactionContext]int),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		stats.Total++
		stats.ByStatus[e.tx.Status]++
		stats.ByContext[e.tx.Context]++
		if IsHighPriority(e.tx, now, m.cfg.StalenessThreshold) {
			stats.HighPriority++
		}
	}
	return stats
}

// Entry returns the bookkeeping for id
func (m *Monitor) Entry(id string) (EntryInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		Transaction: e.tx.Clone(),
		PollCount:   e.pollCount,
		RetryCount:  e.retryCount,
		MonitoredAt: e.monitoredAt,
	}, true
}

// IsMonitored reports whether id is in the registry
func (m *Monitor) IsMonitored(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

func (m *Monitor) filter(keep func(*entity.UnifiedTransaction) bool) []*entity.UnifiedTransaction {
	m.mu.RLock()
	out := make([]*entity.UnifiedTransaction, 0, len(m.entries))
	for _, e := range m.entries {
		if keep(e.tx) {
			out = append(out, e.tx.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
