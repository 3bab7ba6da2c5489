package observer

import (
	"context"
	"testing"

	"github.com/courtside/stateledger/internal/state/types"
)

func snapshotFor(key types.StreamKey, version int64) *types.StateSnapshot {
	return &types.StateSnapshot{
		SnapshotID: "snap",
		StateType:  key.StateType,
		EntityID:   key.EntityID,
		Version:    version,
	}
}

func TestRegistry_WatchNotify(t *testing.T) {
	r := NewRegistry(nil)
	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-1"}

	var got []int64
	r.Watch(key, func(_ context.Context, s *types.StateSnapshot) {
		got = append(got, s.Version)
	})

	r.Notify(context.Background(), snapshotFor(key, 1))
	r.Notify(context.Background(), snapshotFor(key, 2))

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("notified versions = %v, want [1 2]", got)
	}
}

func TestRegistry_NotifyOnlyWatchedStream(t *testing.T) {
	r := NewRegistry(nil)
	watched := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-1"}
	other := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-2"}

	calls := 0
	r.Watch(watched, func(context.Context, *types.StateSnapshot) { calls++ })

	r.Notify(context.Background(), snapshotFor(other, 1))
	if calls != 0 {
		t.Errorf("listener fired %d times for an unwatched stream", calls)
	}
}

func TestRegistry_Unwatch(t *testing.T) {
	r := NewRegistry(nil)
	key := types.StreamKey{StateType: types.StateTypeAgent, EntityID: "agent-1"}

	calls := 0
	id := r.Watch(key, func(context.Context, *types.StateSnapshot) { calls++ })
	if r.WatchCount(key) != 1 {
		t.Fatalf("WatchCount = %d, want 1", r.WatchCount(key))
	}

	r.Unwatch(key, id)
	if r.WatchCount(key) != 0 {
		t.Errorf("WatchCount after Unwatch = %d, want 0", r.WatchCount(key))
	}

	r.Notify(context.Background(), snapshotFor(key, 1))
	if calls != 0 {
		t.Errorf("removed listener fired %d times", calls)
	}

	// Unknown ids are a no-op.
	r.Unwatch(key, 999)
}

func TestRegistry_PanickingListenerIsContained(t *testing.T) {
	r := NewRegistry(nil)
	key := types.StreamKey{StateType: types.StateTypeWorkflow, EntityID: "wf-1"}

	survived := false
	r.Watch(key, func(context.Context, *types.StateSnapshot) { panic("listener bug") })
	r.Watch(key, func(context.Context, *types.StateSnapshot) { survived = true })

	r.Notify(context.Background(), snapshotFor(key, 1))
	if !survived {
		t.Error("panicking listener prevented later listeners from running")
	}
}
