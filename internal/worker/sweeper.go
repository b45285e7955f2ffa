package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/monitor"
	"github.com/bitsacco/bitsacco-sub002/pkg/utils"
)

// DefaultSweepSchedule runs the sweep every five minutes
const DefaultSweepSchedule = "@every 5m"

const sweepTimeout = time.Minute

// Evictor drops final withdrawals from memory
type Evictor interface {
	Evict(ctx context.Context, retention time.Duration) (int, error)
}

// Resyncer re-registers live withdrawals that dropped out of the monitor.
// An Evictor that also implements it is resynced on every sweep.
type Resyncer interface {
	ResyncMonitoring(ctx context.Context) (int, error)
}

// StatsSource reports the monitor registry
type StatsSource interface {
	GetStats() monitor.Stats
}

// Sweeper periodically evicts final withdrawal machines, puts live ones back
// under monitoring and logs monitor stats
type Sweeper struct {
	schedule  string
	retention time.Duration
	evictor   Evictor
	stats     StatsSource
	logger    *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(schedule string, retention time.Duration, evictor Evictor, stats StatsSource, logger *zap.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		schedule:  schedule,
		retention: retention,
		evictor:   evictor,
		stats:     stats,
		logger:    logger,
	}
}

// Start schedules the sweep job
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))
	if _, err := c.AddFunc(s.schedule, s.Sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info("WithdrawalSweeper started",
		zap.String("schedule", s.schedule),
		zap.Duration("retention", s.retention))
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Name returns the worker name for identification
func (s *Sweeper) Name() string {
	return "WithdrawalSweeper"
}

// Sweep runs one eviction, resync and stats round
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if s.evictor != nil {
		evicted, err := s.evictor.Evict(ctx, s.retention)
		if err != nil {
			s.logger.Error("Failed to evict final withdrawals", zap.Error(err))
		} else {
			s.logger.Debug("Evicted final withdrawals", zap.Int("count", evicted))
		}
	}

	if r, ok := s.evictor.(Resyncer); ok {
		resynced, err := r.ResyncMonitoring(ctx)
		if err != nil {
			s.logger.Error("Failed to resync monitored withdrawals", zap.Error(err))
		} else {
			s.logger.Debug("Resynced monitored withdrawals", zap.Int("count", resynced))
		}
	}

	if s.stats != nil {
		stats := s.stats.GetStats()
		fields := []zap.Field{
			zap.Int("total", stats.Total),
			zap.Int("high_priority", stats.HighPriority),
		}
		for status, n := range stats.ByStatus {
			fields = append(fields, zap.Int("status."+status.String(), n))
		}
		s.logger.Info("Monitor stats", fields...)
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, utils.ToZapFields(keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(utils.ToZapFields(keysAndValues...), zap.Error(err))...)
}
