package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Start resumes monitoring of snapshots left by a previous process
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Info("TransactionStatusMonitor started",
		zap.Duration("polling_interval", m.cfg.PollingInterval),
		zap.Int("max_retries", m.cfg.MaxRetries))

	if m.store == nil {
		return nil
	}

	snapshots, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load monitored snapshots: %w", err)
	}

	resumed := 0
	for _, tx := range snapshots {
		if err := m.Monitor(tx); err != nil {
			m.logger.Warn("Failed to resume monitoring",
				zap.String("transaction_id", tx.ID),
				zap.Error(err))
			continue
		}
		resumed++
	}

	m.logger.Info("Resumed monitored transactions", zap.Int("count", resumed))
	return nil
}

// Stop closes the monitor
func (m *Monitor) Stop() {
	m.Close()
	m.logger.Info("TransactionStatusMonitor stopped")
}

// Name returns the worker name for identification
func (m *Monitor) Name() string {
	return "TransactionStatusMonitor"
}
