package store

import (
	"context"
	"time"

	"github.com/courtside/stateledger/internal/state/types"
)

// Store is the durable, append-only persistence layer for snapshots and
// transitions. A write is one snapshot insert plus one transition insert,
// committed as a single atomic unit.
//
// Implementations must map a (state_type, entity_id, version) uniqueness
// violation to types.ErrDuplicateVersion so the write path can detect a
// version race.
type Store interface {
	// InsertSnapshot atomically persists a snapshot and the transition that
	// produced it. A nil transition inserts the snapshot alone (not used on
	// the normal write path).
	InsertSnapshot(ctx context.Context, snapshot *types.StateSnapshot, transition *types.StateTransition) error

	// GetSnapshot returns the snapshot with the given id, regardless of
	// status or expiry. Returns types.ErrSnapshotNotFound if absent.
	GetSnapshot(ctx context.Context, snapshotID string) (*types.StateSnapshot, error)

	// GetCurrent returns the stream's highest-versioned snapshot regardless
	// of status. Returns types.ErrStreamNotFound if the stream is absent.
	// Status, expiry and suspension are interpreted by the caller.
	GetCurrent(ctx context.Context, key types.StreamKey) (*types.StateSnapshot, error)

	// GetVersion returns the stream's snapshot at an exact version. Returns
	// types.ErrSnapshotNotFound if absent.
	GetVersion(ctx context.Context, key types.StreamKey, version int64) (*types.StateSnapshot, error)

	// MaxVersion returns the highest version ever written to the stream,
	// including archived and suspended snapshots, or 0 for an absent stream.
	MaxVersion(ctx context.Context, key types.StreamKey) (int64, error)

	// ListHistory returns snapshots in descending version order. A
	// beforeVersion of 0 starts from the newest; otherwise only versions
	// strictly below beforeVersion are returned.
	ListHistory(ctx context.Context, key types.StreamKey, limit int, beforeVersion int64) ([]*types.StateSnapshot, error)

	// ListTransitions returns the stream's transitions, newest first.
	ListTransitions(ctx context.Context, key types.StreamKey, limit int) ([]*types.StateTransition, error)

	// MarkStatus flips a snapshot's status. The only in-place mutation the
	// store permits.
	MarkStatus(ctx context.Context, snapshotID string, status types.Status) error

	// ListExpired returns active snapshots whose expiry time has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*types.StateSnapshot, error)
}
