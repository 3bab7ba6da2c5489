// Package state implements the state manager facade: a versioned, durable
// ledger of application state with atomic updates, full version history,
// rollback, integrity verification and automatic expiry.
//
// The manager is an explicit, constructed object; callers inject it rather
// than reaching for a process-wide singleton, so tests can run isolated
// instances and shutdown is clean.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/courtside/stateledger/internal/audit"
	"github.com/courtside/stateledger/internal/observability/metrics"
	"github.com/courtside/stateledger/internal/state/cache"
	"github.com/courtside/stateledger/internal/state/chain"
	"github.com/courtside/stateledger/internal/state/integrity"
	"github.com/courtside/stateledger/internal/state/locks"
	"github.com/courtside/stateledger/internal/state/observer"
	"github.com/courtside/stateledger/internal/state/store"
	"github.com/courtside/stateledger/internal/state/translog"
	"github.com/courtside/stateledger/internal/state/types"
)

// Config holds the manager's configuration surface.
type Config struct {
	// WriteTimeout bounds every durable write. On expiry the write's outcome
	// is unknown and surfaces as IndeterminateWriteError.
	WriteTimeout time.Duration

	// DefaultTTL maps a state type to the expiry applied when a write does
	// not specify one. Absent entries mean no expiry.
	DefaultTTL map[types.StateType]time.Duration

	// LockShards is the size of the sharded per-stream lock table.
	LockShards int
}

// DefaultConfig returns default manager config.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 5 * time.Second,
		LockShards:   locks.DefaultShardCount,
	}
}

// Manager composes the durable store, version chain, snapshot cache,
// transition log, observer registry and stream locks behind the public state
// API.
type Manager struct {
	store       store.Store
	chain       *chain.Manager
	transitions *translog.Log
	cache       *cache.SnapshotCache
	observers   *observer.Registry
	locks       *locks.Table

	metrics  *metrics.Metrics
	auditLog *audit.Logger
	logger   *slog.Logger
	cfg      Config

	reads singleflight.Group
}

// NewManager creates a state manager. snapCache, m and auditLog may be nil;
// a nil cache gets a default-sized one.
func NewManager(st store.Store, snapCache *cache.SnapshotCache, m *metrics.Metrics, auditLog *audit.Logger, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if snapCache == nil {
		var err error
		snapCache, err = cache.New(cache.DefaultConfig(), nil, logger)
		if err != nil {
			return nil, err
		}
	}

	return &Manager{
		store:       st,
		chain:       chain.NewManager(st),
		transitions: translog.NewLog(st),
		cache:       snapCache,
		observers:   observer.NewRegistry(logger),
		locks:       locks.NewTable(cfg.LockShards),
		metrics:     m,
		auditLog:    auditLog,
		logger:      logger,
		cfg:         cfg,
	}, nil
}

// Observers exposes the registry so collaborators can watch streams.
func (m *Manager) Observers() *observer.Registry {
	return m.observers
}

// CreateRequest carries a create_state call.
type CreateRequest struct {
	StateType types.StateType
	EntityID  string
	Payload   []byte
	Metadata  map[string]string
	Actor     string

	// TTL overrides the state type's default expiry. Nil applies the
	// default; zero expires immediately (useful for write-once audit
	// records); negative disables expiry explicitly.
	TTL *time.Duration

	// ExpectNew fails the call with ErrStreamExists when the stream already
	// has a current snapshot.
	ExpectNew bool
}

// UpdateRequest carries an update_state call.
type UpdateRequest struct {
	StateType types.StateType
	EntityID  string
	Payload   []byte
	Metadata  map[string]string
	Actor     string
	TTL       *time.Duration

	// ExpectedVersion enables optimistic concurrency when non-negative: the
	// write fails with ConcurrentModificationError unless it matches the
	// stream's current version under the write lock.
	ExpectedVersion int64
}

// RollbackRequest carries a rollback_state call. Reason is mandatory.
type RollbackRequest struct {
	StateType     types.StateType
	EntityID      string
	TargetVersion int64
	Actor         string
	Reason        string
}

// RestoreRequest carries a restore_state call: a fresh-root write used after
// total loss of working state.
type RestoreRequest struct {
	StateType types.StateType
	EntityID  string
	Payload   []byte
	Metadata  map[string]string
	Actor     string
	TTL       *time.Duration
}

// CreateState writes the stream's first snapshot, or its next one when the
// stream already exists and ExpectNew is not set.
func (m *Manager) CreateState(ctx context.Context, req CreateRequest) (*types.StateSnapshot, error) {
	key := types.StreamKey{StateType: req.StateType, EntityID: req.EntityID}
	start := time.Now()
	snap, err := m.createState(ctx, key, req)
	m.observe("create", key.StateType, start, err)
	m.recordAudit("create", req.Actor, key, snap, "", err)
	return snap, err
}

func (m *Manager) createState(ctx context.Context, key types.StreamKey, req CreateRequest) (*types.StateSnapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	current, err := m.store.GetCurrent(ctx, key)
	if err != nil && !errors.Is(err, types.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to resolve current snapshot: %w", err)
	}
	if req.ExpectNew && current != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrStreamExists, key)
	}

	parentID := ""
	if current != nil {
		parentID = current.SnapshotID
	}

	snap, err := m.chain.BuildChild(ctx, key, req.Payload, req.Metadata, parentID, m.resolveExpiry(key.StateType, req.TTL))
	if err != nil {
		return nil, err
	}

	trans := m.transitions.Build(types.TransitionTypeCreate, current, snap, req.Actor, "", nil)
	if err := m.commit(ctx, key, snap, trans); err != nil {
		return nil, err
	}

	m.finishWrite(ctx, key, snap)
	return snap, nil
}

// GetState resolves the stream's current snapshot, cache-first and
// checksum-verified.
func (m *Manager) GetState(ctx context.Context, stateType types.StateType, entityID string) (*types.StateSnapshot, error) {
	key := types.StreamKey{StateType: stateType, EntityID: entityID}
	start := time.Now()
	snap, err := m.getState(ctx, key)
	m.observe("get", stateType, start, err)
	return snap, err
}

func (m *Manager) getState(ctx context.Context, key types.StreamKey) (*types.StateSnapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	if cached, ok := m.cache.Get(ctx, key); ok {
		if cached.Expired(now) {
			// The reaper will flip it shortly; read through to the store
			// for the authoritative answer.
			m.cache.Invalidate(ctx, key)
		} else {
			if !integrity.Verify(cached) {
				return nil, m.corrupted(cached)
			}
			if m.metrics != nil {
				m.metrics.CacheHit("l1")
			}
			return cached, nil
		}
	}
	if m.metrics != nil {
		m.metrics.CacheMiss()
	}

	result, err, _ := m.reads.Do(key.String(), func() (any, error) {
		return m.loadCurrent(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.StateSnapshot), nil
}

func (m *Manager) loadCurrent(ctx context.Context, key types.StreamKey) (*types.StateSnapshot, error) {
	snap, err := m.store.GetCurrent(ctx, key)
	if err != nil {
		return nil, err
	}

	// An archived or suspended current snapshot reads as stream-not-found;
	// callers are responsible for recreating state.
	if snap.Status == types.StatusArchived || snap.Status == types.StatusSuspended {
		return nil, types.ErrStreamNotFound
	}
	if snap.Expired(time.Now()) {
		return nil, &types.ExpiredStateError{SnapshotID: snap.SnapshotID, ExpiresAt: snap.ExpiresAt}
	}
	if !integrity.Verify(snap) {
		return nil, m.corrupted(snap)
	}

	m.cache.Put(ctx, key, snap)
	return snap, nil
}

// UpdateState writes the stream's next snapshot.
func (m *Manager) UpdateState(ctx context.Context, req UpdateRequest) (*types.StateSnapshot, error) {
	key := types.StreamKey{StateType: req.StateType, EntityID: req.EntityID}
	start := time.Now()
	snap, err := m.updateState(ctx, key, req)
	m.observe("update", key.StateType, start, err)
	m.recordAudit("update", req.Actor, key, snap, "", err)
	return snap, err
}

func (m *Manager) updateState(ctx context.Context, key types.StreamKey, req UpdateRequest) (*types.StateSnapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	current, err := m.store.GetCurrent(ctx, key)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion >= 0 && current.Version != req.ExpectedVersion {
		return nil, &types.ConcurrentModificationError{
			Key:             key,
			ExpectedVersion: req.ExpectedVersion,
			CurrentVersion:  current.Version,
		}
	}

	snap, err := m.chain.BuildChild(ctx, key, req.Payload, req.Metadata, current.SnapshotID, m.resolveExpiry(key.StateType, req.TTL))
	if err != nil {
		return nil, err
	}

	trans := m.transitions.Build(types.TransitionTypeUpdate, current, snap, req.Actor, "", nil)
	if err := m.commit(ctx, key, snap, trans); err != nil {
		return nil, err
	}

	m.finishWrite(ctx, key, snap)
	return snap, nil
}

// RollbackState replays an older version's content as the stream's newest
// snapshot. History is never rewritten: the rollback adds a version.
func (m *Manager) RollbackState(ctx context.Context, req RollbackRequest) (*types.StateSnapshot, error) {
	key := types.StreamKey{StateType: req.StateType, EntityID: req.EntityID}
	start := time.Now()
	snap, err := m.rollbackState(ctx, key, req)
	m.observe("rollback", key.StateType, start, err)
	m.recordAudit("rollback", req.Actor, key, snap, req.Reason, err)
	return snap, err
}

func (m *Manager) rollbackState(ctx context.Context, key types.StreamKey, req RollbackRequest) (*types.StateSnapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if req.Reason == "" {
		return nil, types.ErrReasonRequired
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	snap, err := m.chain.BuildRollback(ctx, key, req.TargetVersion)
	if err != nil {
		return nil, err
	}

	current, err := m.store.GetCurrent(ctx, key)
	if err != nil && !errors.Is(err, types.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to resolve current snapshot: %w", err)
	}

	trans := m.transitions.Build(types.TransitionTypeRollback, current, snap, req.Actor, req.Reason, nil)
	if err := m.commit(ctx, key, snap, trans); err != nil {
		return nil, err
	}

	m.finishWrite(ctx, key, snap)
	return snap, nil
}

// RestoreState writes a fresh-root snapshot: no parent link, but the version
// continues the stream's sequence if one exists.
func (m *Manager) RestoreState(ctx context.Context, req RestoreRequest) (*types.StateSnapshot, error) {
	key := types.StreamKey{StateType: req.StateType, EntityID: req.EntityID}
	start := time.Now()
	snap, err := m.restoreState(ctx, key, req)
	m.observe("restore", key.StateType, start, err)
	m.recordAudit("restore", req.Actor, key, snap, "", err)
	return snap, err
}

func (m *Manager) restoreState(ctx context.Context, key types.StreamKey, req RestoreRequest) (*types.StateSnapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	snap, err := m.chain.BuildRestore(ctx, key, req.Payload, req.Metadata, m.resolveExpiry(key.StateType, req.TTL))
	if err != nil {
		return nil, err
	}

	trans := m.transitions.Build(types.TransitionTypeRestore, nil, snap, req.Actor, "", nil)
	if err := m.commit(ctx, key, snap, trans); err != nil {
		return nil, err
	}

	m.finishWrite(ctx, key, snap)
	return snap, nil
}

// ArchiveState flips the stream's current snapshot to archived. The stream
// reads as not-found until recreated. Status flips record no transition.
func (m *Manager) ArchiveState(ctx context.Context, stateType types.StateType, entityID, actor string) error {
	key := types.StreamKey{StateType: stateType, EntityID: entityID}
	start := time.Now()
	err := m.archiveState(ctx, key)
	m.observe("archive", stateType, start, err)
	m.recordAudit("archive", actor, key, nil, "", err)
	return err
}

func (m *Manager) archiveState(ctx context.Context, key types.StreamKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	current, err := m.store.GetCurrent(ctx, key)
	if err != nil {
		return err
	}

	if err := m.markStatus(ctx, key, current, types.StatusArchived); err != nil {
		return err
	}

	m.cache.Invalidate(ctx, key)
	return nil
}

// History returns the stream's snapshots, newest first. Expired, suspended
// and archived snapshots remain visible here for audit.
func (m *Manager) History(ctx context.Context, stateType types.StateType, entityID string, limit int, beforeVersion int64) ([]*types.StateSnapshot, error) {
	key := types.StreamKey{StateType: stateType, EntityID: entityID}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return m.store.ListHistory(ctx, key, limit, beforeVersion)
}

// Transitions returns the stream's transition log, newest first.
func (m *Manager) Transitions(ctx context.Context, stateType types.StateType, entityID string, limit int) ([]*types.StateTransition, error) {
	key := types.StreamKey{StateType: stateType, EntityID: entityID}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return m.transitions.History(ctx, key, limit)
}

// GetSnapshot returns one snapshot by id, checksum-verified, regardless of
// status.
func (m *Manager) GetSnapshot(ctx context.Context, snapshotID string) (*types.StateSnapshot, error) {
	snap, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if !integrity.Verify(snap) {
		return nil, m.corrupted(snap)
	}
	return snap, nil
}

// VerifyReport is the result of a diagnostics-mode cross-check.
type VerifyReport struct {
	Stream        string `json:"stream"`
	SnapshotID    string `json:"snapshot_id"`
	StoreVersion  int64  `json:"store_version"`
	CachedVersion int64  `json:"cached_version,omitempty"`
	CacheInSync   bool   `json:"cache_in_sync"`
	ChecksumOK    bool   `json:"checksum_ok"`
}

// Verify cross-checks the cache against the durable store and re-verifies
// the current snapshot's checksum. Diagnostics only; never on the hot path.
func (m *Manager) Verify(ctx context.Context, stateType types.StateType, entityID string) (*VerifyReport, error) {
	key := types.StreamKey{StateType: stateType, EntityID: entityID}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	current, err := m.store.GetCurrent(ctx, key)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{
		Stream:       key.String(),
		SnapshotID:   current.SnapshotID,
		StoreVersion: current.Version,
		ChecksumOK:   integrity.Verify(current),
		CacheInSync:  true,
	}
	if cached, ok := m.cache.Get(ctx, key); ok {
		report.CachedVersion = cached.Version
		report.CacheInSync = cached.Version == current.Version
	}
	return report, nil
}

// ListExpired returns active snapshots past their expiry time. Used by the
// expiry reaper.
func (m *Manager) ListExpired(ctx context.Context, now time.Time, limit int) ([]*types.StateSnapshot, error) {
	return m.store.ListExpired(ctx, now, limit)
}

// SuspendExpired flips one expired snapshot to suspended under the stream's
// write lock, so the flip cannot race a concurrent write on the same stream.
func (m *Manager) SuspendExpired(ctx context.Context, snapshot *types.StateSnapshot) error {
	key := snapshot.Key()

	unlock := m.locks.Lock(key)
	defer unlock()

	fresh, err := m.store.GetSnapshot(ctx, snapshot.SnapshotID)
	if err != nil {
		return err
	}
	if fresh.Status != types.StatusActive || !fresh.Expired(time.Now()) {
		return nil
	}

	if err := m.markStatus(ctx, key, fresh, types.StatusSuspended); err != nil {
		return err
	}

	m.cache.Invalidate(ctx, key)
	if m.metrics != nil {
		m.metrics.SnapshotSuspended()
	}
	return nil
}

// commit performs the durable write under the configured timeout, retrying a
// duplicate version exactly once. A recurring duplicate under the held lock
// is a lock-discipline bug and surfaces as fatal.
func (m *Manager) commit(ctx context.Context, key types.StreamKey, snap *types.StateSnapshot, trans *types.StateTransition) error {
	err := m.write(ctx, key, snap, trans)
	if !errors.Is(err, types.ErrDuplicateVersion) {
		return err
	}

	if err := m.chain.Reversion(ctx, snap); err != nil {
		return err
	}
	err = m.write(ctx, key, snap, trans)
	if errors.Is(err, types.ErrDuplicateVersion) {
		return fmt.Errorf("%w: stream %s version %d", types.ErrLockDiscipline, key, snap.Version)
	}
	return err
}

func (m *Manager) write(ctx context.Context, key types.StreamKey, snap *types.StateSnapshot, trans *types.StateTransition) error {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	err := m.store.InsertSnapshot(wctx, snap, trans)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return &types.IndeterminateWriteError{Key: key, Version: snap.Version, Err: err}
	}
	return err
}

// markStatus applies a status flip with the same timeout discipline as
// ordinary writes.
func (m *Manager) markStatus(ctx context.Context, key types.StreamKey, snap *types.StateSnapshot, status types.Status) error {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	err := m.store.MarkStatus(wctx, snap.SnapshotID, status)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return &types.IndeterminateWriteError{Key: key, Version: snap.Version, Err: err}
	}
	return err
}

// finishWrite applies the post-commit effects: cache refresh and observer
// notification. Neither is part of the durability guarantee.
func (m *Manager) finishWrite(ctx context.Context, key types.StreamKey, snap *types.StateSnapshot) {
	m.cache.Put(ctx, key, snap)
	m.observers.Notify(ctx, snap)
}

func (m *Manager) corrupted(snap *types.StateSnapshot) error {
	err := &types.CorruptedStateError{
		SnapshotID: snap.SnapshotID,
		StateType:  snap.StateType,
		EntityID:   snap.EntityID,
		Version:    snap.Version,
	}
	m.logger.Error("state corruption detected",
		slog.String("snapshot_id", snap.SnapshotID),
		slog.String("stream", snap.Key().String()),
		slog.Int64("version", snap.Version),
	)
	return err
}

func (m *Manager) resolveExpiry(stateType types.StateType, ttl *time.Duration) time.Time {
	d := time.Duration(0)
	if ttl == nil {
		def, ok := m.cfg.DefaultTTL[stateType]
		if !ok || def <= 0 {
			return time.Time{}
		}
		d = def
	} else {
		if *ttl < 0 {
			return time.Time{}
		}
		d = *ttl
	}
	return time.Now().UTC().Add(d)
}

func (m *Manager) observe(operation string, stateType types.StateType, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.metrics.ObserveOperation(operation, stateType.String(), outcome, time.Since(start))
}

func (m *Manager) recordAudit(operation, actor string, key types.StreamKey, snap *types.StateSnapshot, reason string, err error) {
	if m.auditLog == nil {
		return
	}
	m.auditLog.Record(operation, actor, key, snap, reason, err)
}
