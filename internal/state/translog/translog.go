// Package translog builds and queries the append-only transition log. Every
// state-changing operation records exactly one transition; the log is never
// consulted on the state-resolution hot path.
package translog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/courtside/stateledger/internal/state/store"
	"github.com/courtside/stateledger/internal/state/types"
)

type Log struct {
	store store.Store
}

func NewLog(st store.Store) *Log {
	return &Log{store: st}
}

// Build assembles the transition record for a write. The record is persisted
// by the durable store in the same atomic unit as the snapshot insert.
func (l *Log) Build(transitionType types.TransitionType, from, to *types.StateSnapshot, actor, reason string, metadata map[string]string) *types.StateTransition {
	t := &types.StateTransition{
		TransitionID:   uuid.NewString(),
		StateType:      to.StateType,
		EntityID:       to.EntityID,
		ToSnapshotID:   to.SnapshotID,
		TransitionType: transitionType,
		Actor:          actor,
		Reason:         reason,
		Timestamp:      time.Now().UTC(),
		Metadata:       metadata,
	}
	if from != nil {
		t.FromSnapshotID = from.SnapshotID
	}
	return t
}

// History returns the stream's transitions, newest first.
func (l *Log) History(ctx context.Context, key types.StreamKey, limit int) ([]*types.StateTransition, error) {
	return l.store.ListTransitions(ctx, key, limit)
}
