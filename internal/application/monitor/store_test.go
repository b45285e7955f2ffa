package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]*entity.UnifiedTransaction
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: make(map[string]*entity.UnifiedTransaction)}
}

func (s *memoryStore) Save(ctx context.Context, tx *entity.UnifiedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[tx.ID] = tx.Clone()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *memoryStore) LoadAll(ctx context.Context) ([]*entity.UnifiedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.UnifiedTransaction, 0, len(s.items))
	for _, tx := range s.items {
		out = append(out, tx.Clone())
	}
	return out, nil
}

func (s *memoryStore) Get(id string) (*entity.UnifiedTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.items[id]
	return tx, ok
}

func TestMonitor_MirrorsRegistryIntoStore(t *testing.T) {
	store := newMemoryStore()
	cfg := testConfig()
	cfg.PollingInterval = time.Hour
	m, _ := newTestMonitor(t, newStub(unchanged), cfg, WithSnapshotStore(store))

	require.NoError(t, m.Monitor(tx("t1", entity.TransactionStatusPendingApproval)))
	m.Flush()
	_, ok := store.Get("t1")
	assert.True(t, ok)

	require.NoError(t, m.UpdateTransactionStatus("t1", entity.TransactionStatusApproved))
	m.Flush()
	saved, _ := store.Get("t1")
	assert.Equal(t, entity.TransactionStatusApproved, saved.Status)

	require.NoError(t, m.UpdateTransactionStatus("t1", entity.TransactionStatusCompleted))
	m.Flush()
	_, ok = store.Get("t1")
	assert.False(t, ok, "terminal transactions are forgotten")

	require.NoError(t, m.Monitor(tx("t2", entity.TransactionStatusProcessing)))
	m.StopMonitoring("t2")
	m.Flush()
	_, ok = store.Get("t2")
	assert.False(t, ok, "stopped transactions are forgotten")
}

func TestMonitor_CloseKeepsStoreAndStartResumes(t *testing.T) {
	store := newMemoryStore()
	cfg := testConfig()
	cfg.PollingInterval = time.Hour

	first, err := New(newStub(unchanged).Fetch, cfg, WithSnapshotStore(store))
	require.NoError(t, err)
	require.NoError(t, first.Monitor(tx("t1", entity.TransactionStatusProcessing)))
	require.NoError(t, first.Monitor(tx("t2", entity.TransactionStatusPendingApproval)))
	first.Stop()

	_, ok := store.Get("t1")
	require.True(t, ok)

	stub := newStub(unchanged)
	second, _ := newTestMonitor(t, stub, cfg, WithSnapshotStore(store))
	require.NoError(t, second.Start(context.Background()))

	assert.Len(t, second.GetMonitoredTransactions(), 2)
	require.Eventually(t, func() bool { return stub.Calls("t1") == 1 && stub.Calls("t2") == 1 }, time.Second, tick)
	assert.Equal(t, "TransactionStatusMonitor", second.Name())
}
