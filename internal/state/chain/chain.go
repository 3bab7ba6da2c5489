// Package chain enforces snapshot versioning and parent linking. Every write
// produces a new snapshot whose version continues the stream's sequence;
// rollback and restore are forward-only in version space so history is never
// rewritten.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courtside/stateledger/internal/state/integrity"
	"github.com/courtside/stateledger/internal/state/store"
	"github.com/courtside/stateledger/internal/state/types"
)

// Manager assembles snapshots on top of the durable store. Callers must hold
// the stream's write lock across NextVersion/Build* and the subsequent
// insert, otherwise two writers can allocate the same version.
type Manager struct {
	store store.Store
}

func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// NextVersion returns the stream's next version: max version + 1, or 1 for an
// absent stream. Archived and suspended snapshots still occupy their
// versions.
func (m *Manager) NextVersion(ctx context.Context, key types.StreamKey) (int64, error) {
	maxVersion, err := m.store.MaxVersion(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve next version: %w", err)
	}
	return maxVersion + 1, nil
}

// BuildCreate assembles the stream's next snapshot from fresh content. The
// parent is the current snapshot if one exists.
func (m *Manager) BuildCreate(ctx context.Context, key types.StreamKey, payload []byte, metadata map[string]string, expiresAt time.Time) (*types.StateSnapshot, error) {
	version, err := m.NextVersion(ctx, key)
	if err != nil {
		return nil, err
	}

	parentID := ""
	current, err := m.store.GetCurrent(ctx, key)
	switch {
	case err == nil:
		parentID = current.SnapshotID
	case errors.Is(err, types.ErrStreamNotFound):
	default:
		return nil, fmt.Errorf("failed to resolve parent snapshot: %w", err)
	}

	return m.newSnapshot(key, payload, metadata, version, parentID, expiresAt), nil
}

// BuildChild assembles the stream's next snapshot with an explicit parent.
// Used by updates, where the caller already holds the current snapshot.
func (m *Manager) BuildChild(ctx context.Context, key types.StreamKey, payload []byte, metadata map[string]string, parentID string, expiresAt time.Time) (*types.StateSnapshot, error) {
	version, err := m.NextVersion(ctx, key)
	if err != nil {
		return nil, err
	}
	return m.newSnapshot(key, payload, metadata, version, parentID, expiresAt), nil
}

// BuildRollback assembles a new snapshot that replays the target version's
// content as the newest version. The target's snapshot id becomes the parent,
// preserving the derivation chain across the skip.
func (m *Manager) BuildRollback(ctx context.Context, key types.StreamKey, targetVersion int64) (*types.StateSnapshot, error) {
	maxVersion, err := m.store.MaxVersion(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to validate rollback target: %w", err)
	}
	if targetVersion < 1 || targetVersion > maxVersion {
		return nil, &types.InvalidTargetError{Key: key, TargetVersion: targetVersion, CurrentVersion: maxVersion}
	}

	target, err := m.store.GetVersion(ctx, key, targetVersion)
	if err != nil {
		if errors.Is(err, types.ErrSnapshotNotFound) {
			return nil, &types.InvalidTargetError{Key: key, TargetVersion: targetVersion, CurrentVersion: maxVersion}
		}
		return nil, fmt.Errorf("failed to load rollback target: %w", err)
	}

	snap := m.newSnapshot(key, target.Payload, target.Metadata, maxVersion+1, target.SnapshotID, time.Time{})
	snap.PayloadFormat = target.PayloadFormat
	return snap, nil
}

// BuildRestore assembles a fresh-root snapshot after total loss of working
// state: the parent link is explicitly empty, but the version continues the
// existing sequence if the stream already exists.
func (m *Manager) BuildRestore(ctx context.Context, key types.StreamKey, payload []byte, metadata map[string]string, expiresAt time.Time) (*types.StateSnapshot, error) {
	version, err := m.NextVersion(ctx, key)
	if err != nil {
		return nil, err
	}
	return m.newSnapshot(key, payload, metadata, version, "", expiresAt), nil
}

// Reversion reassigns a built snapshot the stream's current next version.
// Used for the single internal retry after a duplicate-version insert.
func (m *Manager) Reversion(ctx context.Context, snap *types.StateSnapshot) error {
	version, err := m.NextVersion(ctx, snap.Key())
	if err != nil {
		return err
	}
	snap.Version = version
	return nil
}

func (m *Manager) newSnapshot(key types.StreamKey, payload []byte, metadata map[string]string, version int64, parentID string, expiresAt time.Time) *types.StateSnapshot {
	return &types.StateSnapshot{
		SnapshotID:       uuid.NewString(),
		StateType:        key.StateType,
		EntityID:         key.EntityID,
		Payload:          payload,
		PayloadFormat:    types.PayloadFormatJSON,
		Metadata:         metadata,
		Version:          version,
		ParentSnapshotID: parentID,
		Checksum:         integrity.Checksum(payload, metadata),
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        expiresAt,
		Status:           types.StatusActive,
	}
}
