package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

func newTestStore(t *testing.T, ttl time.Duration) (*SnapshotStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSnapshotStore(client, Config{KeyPrefix: "test:", TTL: ttl}, zap.NewNop()), mr
}

func snapshot(id string, status entity.TransactionStatus) *entity.UnifiedTransaction {
	amount, _ := entity.NewMoney("100", "KES")
	return &entity.UnifiedTransaction{
		ID:        id,
		Context:   entity.ContextChama,
		Type:      entity.TransactionTypeWithdrawal,
		Status:    status,
		Amount:    &amount,
		ChamaID:   "chama-1",
		Metadata:  map[string]string{"source": "test"},
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSnapshotStore_SaveGetDelete(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, snapshot("tx-1", entity.TransactionStatusPendingApproval)))

	got, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entity.TransactionStatusPendingApproval, got.Status)
	assert.Equal(t, "test", got.Metadata["source"])
	require.NotNil(t, got.Amount)
	assert.Equal(t, "100.00 KES", got.Amount.String())

	require.NoError(t, store.Save(ctx, snapshot("tx-1", entity.TransactionStatusProcessing)))
	got, err = store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, entity.TransactionStatusProcessing, got.Status)

	require.NoError(t, store.Delete(ctx, "tx-1"))
	require.NoError(t, store.Delete(ctx, "tx-1"))
	got, err = store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotStore_LoadAll(t *testing.T) {
	store, mr := newTestStore(t, 0)
	ctx := context.Background()

	for _, id := range []string{"tx-a", "tx-b", "tx-c"} {
		require.NoError(t, store.Save(ctx, snapshot(id, entity.TransactionStatusPending)))
	}
	require.NoError(t, mr.Set("test:tx:broken", "{not json"))
	require.NoError(t, mr.Set("other:tx:foreign", "{}"))

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(all))
	for _, tx := range all {
		ids = append(ids, tx.ID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"tx-a", "tx-b", "tx-c"}, ids)
}

func TestSnapshotStore_TTL(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, snapshot("tx-1", entity.TransactionStatusPending)))
	assert.Equal(t, time.Hour, mr.TTL("test:tx:tx-1"))

	mr.FastForward(2 * time.Hour)
	got, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotStore_RejectsMissingID(t *testing.T) {
	store, _ := newTestStore(t, 0)
	assert.Error(t, store.Save(context.Background(), &entity.UnifiedTransaction{}))
	assert.Error(t, store.Save(context.Background(), nil))
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	_ = client.Close()

	mr.Close()
	_, err = NewClient(context.Background(), Config{Addr: mr.Addr()})
	assert.Error(t, err)
}
