// Package cache holds the in-memory snapshot cache: one bounded LRU partition
// per state type, mapping entity id to the stream's current snapshot, with an
// optional distributed L2 behind it. The cache is advisory; on any miss the
// durable store is the source of truth.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/courtside/stateledger/internal/state/types"
)

// L2 is an optional second cache level (e.g. Redis). L2 failures degrade to
// misses, never to errors on the read path.
type L2 interface {
	Get(ctx context.Context, key types.StreamKey) (*types.StateSnapshot, error)
	Set(ctx context.Context, key types.StreamKey, snapshot *types.StateSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, key types.StreamKey) error
}

// Config holds snapshot cache configuration.
type Config struct {
	MaxEntriesPerPartition int
	L2TTL                  time.Duration
}

// DefaultConfig returns default cache config.
func DefaultConfig() Config {
	return Config{
		MaxEntriesPerPartition: 4096,
		L2TTL:                  30 * time.Minute,
	}
}

// SnapshotCache caches current snapshots keyed by stream.
type SnapshotCache struct {
	partitions map[types.StateType]*lru.Cache[string, *types.StateSnapshot]
	l2         L2
	l2TTL      time.Duration
	logger     *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	l2Hits atomic.Int64
}

// New creates a snapshot cache. l2 may be nil.
func New(cfg Config, l2 L2, logger *slog.Logger) (*SnapshotCache, error) {
	if cfg.MaxEntriesPerPartition <= 0 {
		cfg.MaxEntriesPerPartition = DefaultConfig().MaxEntriesPerPartition
	}
	if cfg.L2TTL <= 0 {
		cfg.L2TTL = DefaultConfig().L2TTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	partitions := make(map[types.StateType]*lru.Cache[string, *types.StateSnapshot], len(types.StateTypes()))
	for _, st := range types.StateTypes() {
		p, err := lru.New[string, *types.StateSnapshot](cfg.MaxEntriesPerPartition)
		if err != nil {
			return nil, err
		}
		partitions[st] = p
	}

	return &SnapshotCache{
		partitions: partitions,
		l2:         l2,
		l2TTL:      cfg.L2TTL,
		logger:     logger,
	}, nil
}

// Get returns the cached current snapshot for the stream, if any.
func (c *SnapshotCache) Get(ctx context.Context, key types.StreamKey) (*types.StateSnapshot, bool) {
	partition, ok := c.partitions[key.StateType]
	if !ok {
		return nil, false
	}

	if snap, ok := partition.Get(key.EntityID); ok {
		c.hits.Add(1)
		return snap, true
	}

	if c.l2 != nil {
		snap, err := c.l2.Get(ctx, key)
		if err == nil && snap != nil {
			c.l2Hits.Add(1)
			partition.Add(key.EntityID, snap)
			return snap, true
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Debug("l2 cache get failed", slog.String("stream", key.String()), slog.String("error", err.Error()))
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put unconditionally replaces the stream's cached snapshot. Callers only put
// the snapshot that just became current.
func (c *SnapshotCache) Put(ctx context.Context, key types.StreamKey, snapshot *types.StateSnapshot) {
	partition, ok := c.partitions[key.StateType]
	if !ok {
		return
	}
	partition.Add(key.EntityID, snapshot)

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, snapshot, c.l2TTL); err != nil {
			c.logger.Debug("l2 cache set failed", slog.String("stream", key.String()), slog.String("error", err.Error()))
		}
	}
}

// Invalidate drops the stream's cached snapshot at every level.
func (c *SnapshotCache) Invalidate(ctx context.Context, key types.StreamKey) {
	if partition, ok := c.partitions[key.StateType]; ok {
		partition.Remove(key.EntityID)
	}
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.logger.Debug("l2 cache delete failed", slog.String("stream", key.String()), slog.String("error", err.Error()))
		}
	}
}

// Len returns the number of entries in one partition.
func (c *SnapshotCache) Len(stateType types.StateType) int {
	if partition, ok := c.partitions[stateType]; ok {
		return partition.Len()
	}
	return 0
}

// Stats reports cumulative hit/miss counts.
func (c *SnapshotCache) Stats() (hits, misses, l2Hits int64) {
	return c.hits.Load(), c.misses.Load(), c.l2Hits.Load()
}
