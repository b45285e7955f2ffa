package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bitsacco/bitsacco-sub002/internal/application/monitor"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

type fakeWorker struct {
	name     string
	startErr error
	log      *[]string
	mu       *sync.Mutex
}

func (w *fakeWorker) record(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	*w.log = append(*w.log, s)
}

func (w *fakeWorker) Start(ctx context.Context) error {
	if w.startErr != nil {
		return w.startErr
	}
	w.record("start " + w.name)
	return nil
}

func (w *fakeWorker) Stop()        { w.record("stop " + w.name) }
func (w *fakeWorker) Name() string { return w.name }

func TestManager_StartStopOrder(t *testing.T) {
	var log []string
	var mu sync.Mutex
	m := NewManager(zap.NewNop())
	m.Register(&fakeWorker{name: "a", log: &log, mu: &mu})
	m.Register(&fakeWorker{name: "b", log: &log, mu: &mu})

	require.NoError(t, m.StartAll(context.Background()))
	m.StopAll()
	m.StopAll()

	assert.Equal(t, 2, m.Count())
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestManager_RollsBackOnStartFailure(t *testing.T) {
	var log []string
	var mu sync.Mutex
	boom := errors.New("boom")
	m := NewManager(nil)
	m.Register(&fakeWorker{name: "a", log: &log, mu: &mu})
	m.Register(&fakeWorker{name: "b", startErr: boom, log: &log, mu: &mu})
	m.Register(&fakeWorker{name: "c", log: &log, mu: &mu})

	err := m.StartAll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start a", "stop a"}, log)
}

type fakeEvictor struct {
	calls     atomic.Int32
	retention atomic.Int64
	err       error
}

func (f *fakeEvictor) Evict(ctx context.Context, retention time.Duration) (int, error) {
	f.calls.Add(1)
	f.retention.Store(int64(retention))
	return 2, f.err
}

type fakeResyncer struct {
	fakeEvictor
	resyncs atomic.Int32
	err     error
}

func (f *fakeResyncer) ResyncMonitoring(ctx context.Context) (int, error) {
	f.resyncs.Add(1)
	return 1, f.err
}

type fakeStats struct{}

func (fakeStats) GetStats() monitor.Stats {
	return monitor.Stats{
		Total:        3,
		HighPriority: 1,
		ByStatus:     map[entity.TransactionStatus]int{entity.TransactionStatusProcessing: 3},
	}
}

func TestSweeper_Sweep(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ev := &fakeEvictor{}
	s := NewSweeper("", time.Hour, ev, fakeStats{}, zap.New(core))

	s.Sweep()

	assert.Equal(t, int32(1), ev.calls.Load())
	assert.Equal(t, int64(time.Hour), ev.retention.Load())

	entries := logs.FilterMessage("Monitor stats").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(3), fields["total"])
	assert.Equal(t, int64(3), fields["status.processing"])
}

func TestSweeper_LogsEvictionFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewSweeper("", time.Hour, &fakeEvictor{err: errors.New("db locked")}, nil, zap.New(core))

	s.Sweep()
	assert.Equal(t, 1, logs.FilterMessage("Failed to evict final withdrawals").Len())
}

func TestSweeper_ResyncsWhenSupported(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := &fakeResyncer{}
	s := NewSweeper("", time.Hour, r, nil, zap.New(core))

	s.Sweep()
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, int32(1), r.resyncs.Load())

	r.err = errors.New("service closed")
	s.Sweep()
	assert.Equal(t, int32(2), r.resyncs.Load())
	assert.Equal(t, 1, logs.FilterMessage("Failed to resync monitored withdrawals").Len())
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	s := NewSweeper("every now and then", time.Hour, &fakeEvictor{}, nil, nil)
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
}

func TestSweeper_RunsOnSchedule(t *testing.T) {
	ev := &fakeEvictor{}
	s := NewSweeper("@every 1s", time.Minute, ev, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")
	defer s.Stop()

	assert.Eventually(t, func() bool { return ev.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "WithdrawalSweeper", s.Name())
}
