// Package cache keeps monitored transaction snapshots in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/monitor"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

const (
	defaultKeyPrefix = "bitsacco:monitor:"
	scanBatch        = 200
)

// Config holds Redis connection settings
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewClient opens a Redis client and verifies the connection
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// SnapshotStore implements monitor.SnapshotStore on Redis.
// Each snapshot is one JSON string key; TTL bounds how long an abandoned entry survives.
type SnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotStore creates a store under cfg.KeyPrefix
func NewSnapshotStore(client redis.UniversalClient, cfg Config, logger *zap.Logger) *SnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &SnapshotStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

func (s *SnapshotStore) key(id string) string {
	return s.prefix + "tx:" + id
}

// Save writes or replaces a snapshot
func (s *SnapshotStore) Save(ctx context.Context, tx *entity.UnifiedTransaction) error {
	if tx == nil || tx.ID == "" {
		return errors.New("snapshot requires a transaction id")
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", tx.ID, err)
	}
	if err := s.client.Set(ctx, s.key(tx.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", tx.ID, err)
	}
	return nil
}

// Delete removes a snapshot; deleting an absent key is not an error
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	return nil
}

// Get returns one snapshot, or nil when absent
func (s *SnapshotStore) Get(ctx context.Context, id string) (*entity.UnifiedTransaction, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", id, err)
	}
	var tx entity.UnifiedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", id, err)
	}
	return &tx, nil
}

// LoadAll returns every stored snapshot. Undecodable entries are logged and skipped.
func (s *SnapshotStore) LoadAll(ctx context.Context) ([]*entity.UnifiedTransaction, error) {
	var out []*entity.UnifiedTransaction

	iter := s.client.Scan(ctx, 0, s.prefix+"tx:*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, s.prefix+"tx:")

		tx, err := s.Get(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping unreadable snapshot", zap.String("key", key), zap.Error(err))
			continue
		}
		if tx != nil {
			out = append(out, tx)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snapshots: %w", err)
	}
	return out, nil
}

// Verify interface compliance
var _ monitor.SnapshotStore = (*SnapshotStore)(nil)
