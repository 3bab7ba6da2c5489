package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/courtside/stateledger/internal/state/store"
	"github.com/courtside/stateledger/internal/state/types"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(store.NewMemoryStore(), nil, nil, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewManager error = %v", err)
	}
	return m
}

func mustCreate(t *testing.T, m *Manager, key types.StreamKey, payload string) *types.StateSnapshot {
	t.Helper()
	snap, err := m.CreateState(context.Background(), CreateRequest{
		StateType: key.StateType,
		EntityID:  key.EntityID,
		Payload:   []byte(payload),
		Actor:     "tester",
	})
	if err != nil {
		t.Fatalf("CreateState error = %v", err)
	}
	return snap
}

func mustUpdate(t *testing.T, m *Manager, key types.StreamKey, payload string) *types.StateSnapshot {
	t.Helper()
	snap, err := m.UpdateState(context.Background(), UpdateRequest{
		StateType:       key.StateType,
		EntityID:        key.EntityID,
		Payload:         []byte(payload),
		Actor:           "tester",
		ExpectedVersion: -1,
	})
	if err != nil {
		t.Fatalf("UpdateState error = %v", err)
	}
	return snap
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-1"}

	created, err := m.CreateState(ctx, CreateRequest{
		StateType: key.StateType,
		EntityID:  key.EntityID,
		Payload:   []byte(`{"turn":1}`),
		Metadata:  map[string]string{"channel": "web"},
		Actor:     "session-router",
	})
	if err != nil {
		t.Fatalf("CreateState error = %v", err)
	}
	if created.Version != 1 {
		t.Errorf("Version = %d, want 1", created.Version)
	}
	if created.Status != types.StatusActive {
		t.Errorf("Status = %v, want active", created.Status)
	}

	got, err := m.GetState(ctx, key.StateType, key.EntityID)
	if err != nil {
		t.Fatalf("GetState error = %v", err)
	}
	if !bytes.Equal(got.Payload, created.Payload) {
		t.Errorf("Payload round trip = %q, want %q", got.Payload, created.Payload)
	}
	if got.Metadata["channel"] != "web" {
		t.Errorf("Metadata round trip = %v", got.Metadata)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.CreateState(ctx, CreateRequest{StateType: types.StateType(99), EntityID: "x"})
	if !errors.Is(err, types.ErrInvalidStateType) {
		t.Errorf("bad state type error = %v, want ErrInvalidStateType", err)
	}

	_, err = m.CreateState(ctx, CreateRequest{StateType: types.StateTypeSession})
	if !errors.Is(err, types.ErrInvalidEntityID) {
		t.Errorf("empty entity error = %v, want ErrInvalidEntityID", err)
	}
}

func TestManager_ExpectNew(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeAgent, EntityID: "agent-1"}

	mustCreate(t, m, key, `{"a":1}`)

	_, err := m.CreateState(ctx, CreateRequest{
		StateType: key.StateType,
		EntityID:  key.EntityID,
		Payload:   []byte(`{"a":2}`),
		ExpectNew: true,
	})
	if !errors.Is(err, types.ErrStreamExists) {
		t.Errorf("ExpectNew on existing stream error = %v, want ErrStreamExists", err)
	}

	// Without ExpectNew, create on an existing stream appends.
	second := mustCreate(t, m, key, `{"a":2}`)
	if second.Version != 2 {
		t.Errorf("second create Version = %d, want 2", second.Version)
	}
}

func TestManager_UpdateVersionsMonotonic(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	key := types.StreamKey{StateType: types.StateTypeWorkflow, EntityID: "wf-1"}

	prev := mustCreate(t, m, key, `{"step":1}`)
	for i := 2; i <= 6; i++ {
		snap := mustUpdate(t, m, key, fmt.Sprintf(`{"step":%d}`, i))
		if snap.Version != prev.Version+1 {
			t.Fatalf("Version = %d, want %d", snap.Version, prev.Version+1)
		}
		if snap.ParentSnapshotID != prev.SnapshotID {
			t.Fatalf("parent = %q, want %q", snap.ParentSnapshotID, prev.SnapshotID)
		}
		prev = snap
	}
}

func TestManager_UpdateMissingStream(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	_, err := m.UpdateState(context.Background(), UpdateRequest{
		StateType:       types.StateTypeSession,
		EntityID:        "ghost",
		Payload:         []byte(`{}`),
		ExpectedVersion: -1,
	})
	if !errors.Is(err, types.ErrStreamNotFound) {
		t.Errorf("update of absent stream error = %v, want ErrStreamNotFound", err)
	}
}

func TestManager_OptimisticConcurrency(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-occ"}

	mustCreate(t, m, key, `{"n":1}`)
	mustUpdate(t, m, key, `{"n":2}`)

	_, err := m.UpdateState(ctx, UpdateRequest{
		StateType:       key.StateType,
		EntityID:        key.EntityID,
		Payload:         []byte(`{"n":3}`),
		ExpectedVersion: 1,
	})
	var conflict *types.ConcurrentModificationError
	if !errors.As(err, &conflict) {
		t.Fatalf("stale expected version error = %v, want ConcurrentModificationError", err)
	}
	if conflict.ExpectedVersion != 1 || conflict.CurrentVersion != 2 {
		t.Errorf("conflict versions = %d/%d, want 1/2", conflict.ExpectedVersion, conflict.CurrentVersion)
	}

	// The matching expectation succeeds.
	snap, err := m.UpdateState(ctx, UpdateRequest{
		StateType:       key.StateType,
		EntityID:        key.EntityID,
		Payload:         []byte(`{"n":3}`),
		ExpectedVersion: 2,
	})
	if err != nil {
		t.Fatalf("UpdateState error = %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("Version = %d, want 3", snap.Version)
	}
}

func TestManager_ConcurrentWritersRaceCleanly(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeAgent, EntityID: "agent-race"}

	mustCreate(t, m, key, `{"n":0}`)

	const writers = 16
	var wg sync.WaitGroup
	conflicts := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			current, err := m.GetState(ctx, key.StateType, key.EntityID)
			if err != nil {
				conflicts <- err
				return
			}
			_, err = m.UpdateState(ctx, UpdateRequest{
				StateType:       key.StateType,
				EntityID:        key.EntityID,
				Payload:         []byte(fmt.Sprintf(`{"n":%d}`, n)),
				ExpectedVersion: current.Version,
			})
			conflicts <- err
		}(i)
	}
	wg.Wait()
	close(conflicts)

	wins := 0
	for err := range conflicts {
		var conflict *types.ConcurrentModificationError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &conflict):
		default:
			t.Fatalf("unexpected error under contention: %v", err)
		}
	}
	if wins < 1 {
		t.Fatal("no writer won the race")
	}

	// However the race played out, the version sequence is gapless.
	history, err := m.History(ctx, key.StateType, key.EntityID, 0, 0)
	if err != nil {
		t.Fatalf("History error = %v", err)
	}
	if len(history) != wins+1 {
		t.Errorf("len(history) = %d, want %d", len(history), wins+1)
	}
	for i, snap := range history {
		want := int64(len(history) - i)
		if snap.Version != want {
			t.Errorf("history[%d].Version = %d, want %d", i, snap.Version, want)
		}
	}
}

func TestManager_RollbackAppendsVersion(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeWorkflow, EntityID: "wf-rb"}

	mustCreate(t, m, key, `{"step":1}`)
	target := mustUpdate(t, m, key, `{"step":2}`)
	mustUpdate(t, m, key, `{"step":3}`)

	rb, err := m.RollbackState(ctx, RollbackRequest{
		StateType:     key.StateType,
		EntityID:      key.EntityID,
		TargetVersion: 2,
		Actor:         "operator",
		Reason:        "step 3 produced bad output",
	})
	if err != nil {
		t.Fatalf("RollbackState error = %v", err)
	}

	if rb.Version != 4 {
		t.Errorf("rollback Version = %d, want 4", rb.Version)
	}
	if !bytes.Equal(rb.Payload, target.Payload) {
		t.Errorf("rollback payload = %q, want %q", rb.Payload, target.Payload)
	}
	if rb.ParentSnapshotID != target.SnapshotID {
		t.Errorf("rollback parent = %q, want %q", rb.ParentSnapshotID, target.SnapshotID)
	}

	// History keeps all four versions: rollback never rewrites.
	history, err := m.History(ctx, key.StateType, key.EntityID, 0, 0)
	if err != nil {
		t.Fatalf("History error = %v", err)
	}
	if len(history) != 4 {
		t.Errorf("len(history) = %d, want 4", len(history))
	}

	current, err := m.GetState(ctx, key.StateType, key.EntityID)
	if err != nil {
		t.Fatalf("GetState error = %v", err)
	}
	if current.Version != 4 {
		t.Errorf("current Version = %d, want 4", current.Version)
	}
}

func TestManager_RollbackRequiresReason(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-rb"}
	mustCreate(t, m, key, `{}`)

	_, err := m.RollbackState(context.Background(), RollbackRequest{
		StateType:     key.StateType,
		EntityID:      key.EntityID,
		TargetVersion: 1,
		Actor:         "operator",
	})
	if !errors.Is(err, types.ErrReasonRequired) {
		t.Errorf("reasonless rollback error = %v, want ErrReasonRequired", err)
	}
}

func TestManager_RollbackInvalidTarget(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-rb2"}
	mustCreate(t, m, key, `{}`)

	_, err := m.RollbackState(context.Background(), RollbackRequest{
		StateType:     key.StateType,
		EntityID:      key.EntityID,
		TargetVersion: 5,
		Actor:         "operator",
		Reason:        "because",
	})
	var invalid *types.InvalidTargetError
	if !errors.As(err, &invalid) {
		t.Fatalf("rollback to future version error = %v, want InvalidTargetError", err)
	}
	if invalid.TargetVersion != 5 || invalid.CurrentVersion != 1 {
		t.Errorf("InvalidTargetError = %d/%d, want 5/1", invalid.TargetVersion, invalid.CurrentVersion)
	}
}

func TestManager_ArchiveAndRestore(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeMemory, EntityID: "mem-1"}

	mustCreate(t, m, key, `{"facts":1}`)
	mustUpdate(t, m, key, `{"facts":2}`)

	if err := m.ArchiveState(ctx, key.StateType, key.EntityID, "janitor"); err != nil {
		t.Fatalf("ArchiveState error = %v", err)
	}

	// Archived head hides the older active version too for reads of current
	// state via the earlier snapshot; history remains queryable.
	if _, err := m.GetState(ctx, key.StateType, key.EntityID); err == nil {
		t.Error("GetState after archive should fail")
	}

	history, err := m.History(ctx, key.StateType, key.EntityID, 0, 0)
	if err != nil {
		t.Fatalf("History error = %v", err)
	}
	if len(history) != 2 {
		t.Errorf("len(history) after archive = %d, want 2", len(history))
	}

	restored, err := m.RestoreState(ctx, RestoreRequest{
		StateType: key.StateType,
		EntityID:  key.EntityID,
		Payload:   []byte(`{"facts":"rebuilt"}`),
		Actor:     "recovery",
	})
	if err != nil {
		t.Fatalf("RestoreState error = %v", err)
	}
	if restored.Version != 3 {
		t.Errorf("restored Version = %d, want 3 (sequence continues)", restored.Version)
	}
	if restored.ParentSnapshotID != "" {
		t.Errorf("restored parent = %q, want empty", restored.ParentSnapshotID)
	}

	got, err := m.GetState(ctx, key.StateType, key.EntityID)
	if err != nil {
		t.Fatalf("GetState after restore error = %v", err)
	}
	if got.Version != 3 {
		t.Errorf("current Version = %d, want 3", got.Version)
	}
}

func TestManager_ZeroTTLExpiresImmediately(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-ttl0"}

	zero := time.Duration(0)
	if _, err := m.CreateState(ctx, CreateRequest{
		StateType: key.StateType,
		EntityID:  key.EntityID,
		Payload:   []byte(`{"once":true}`),
		TTL:       &zero,
	}); err != nil {
		t.Fatalf("CreateState error = %v", err)
	}

	_, err := m.GetState(ctx, key.StateType, key.EntityID)
	var expired *types.ExpiredStateError
	if !errors.As(err, &expired) {
		t.Fatalf("GetState of expired stream error = %v, want ExpiredStateError", err)
	}

	// After the reaper suspends it, the stream reads as not-found.
	snaps, err := m.ListExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListExpired error = %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("len(ListExpired) = %d, want 1", len(snaps))
	}
	if err := m.SuspendExpired(ctx, snaps[0]); err != nil {
		t.Fatalf("SuspendExpired error = %v", err)
	}

	if _, err := m.GetState(ctx, key.StateType, key.EntityID); !errors.Is(err, types.ErrStreamNotFound) {
		t.Errorf("GetState after suspend error = %v, want ErrStreamNotFound", err)
	}

	// History still shows the suspended snapshot.
	history, err := m.History(ctx, key.StateType, key.EntityID, 0, 0)
	if err != nil {
		t.Fatalf("History error = %v", err)
	}
	if len(history) != 1 || history[0].Status != types.StatusSuspended {
		t.Errorf("history = %d rows, status %v; want 1 suspended row", len(history), history[0].Status)
	}
}

func TestManager_DefaultTTLPerStateType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTL = map[types.StateType]time.Duration{
		types.StateTypeSession: time.Hour,
	}
	m := newTestManager(t, cfg)
	ctx := context.Background()

	withDefault, err := m.CreateState(ctx, CreateRequest{
		StateType: types.StateTypeSession,
		EntityID:  "sess-def",
		Payload:   []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("CreateState error = %v", err)
	}
	if withDefault.ExpiresAt.IsZero() {
		t.Error("session default TTL not applied")
	}

	noDefault, err := m.CreateState(ctx, CreateRequest{
		StateType: types.StateTypeSystem,
		EntityID:  "sys-def",
		Payload:   []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("CreateState error = %v", err)
	}
	if !noDefault.ExpiresAt.IsZero() {
		t.Error("system state should have no expiry without a default")
	}

	// A negative TTL overrides the type default to never-expire.
	never := -time.Second
	pinned, err := m.CreateState(ctx, CreateRequest{
		StateType: types.StateTypeSession,
		EntityID:  "sess-pinned",
		Payload:   []byte(`{}`),
		TTL:       &never,
	})
	if err != nil {
		t.Fatalf("CreateState error = %v", err)
	}
	if !pinned.ExpiresAt.IsZero() {
		t.Error("negative TTL should disable expiry")
	}
}

func TestManager_CorruptionDetected(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeAgent, EntityID: "agent-corrupt"}

	created := mustCreate(t, m, key, `{"weights":"v1"}`)

	// The memory store shares payload bytes with the caller's snapshot;
	// flipping a bit here simulates at-rest corruption.
	created.Payload[4] ^= 0xff

	_, err := m.GetState(ctx, key.StateType, key.EntityID)
	var corrupted *types.CorruptedStateError
	if !errors.As(err, &corrupted) {
		t.Fatalf("GetState of corrupted stream error = %v, want CorruptedStateError", err)
	}
	if corrupted.SnapshotID != created.SnapshotID {
		t.Errorf("corrupted snapshot id = %q, want %q", corrupted.SnapshotID, created.SnapshotID)
	}
}

func TestManager_TransitionLog(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeWorkflow, EntityID: "wf-log"}

	mustCreate(t, m, key, `{"s":1}`)
	mustUpdate(t, m, key, `{"s":2}`)
	if _, err := m.RollbackState(ctx, RollbackRequest{
		StateType:     key.StateType,
		EntityID:      key.EntityID,
		TargetVersion: 1,
		Actor:         "operator",
		Reason:        "revert bad run",
	}); err != nil {
		t.Fatalf("RollbackState error = %v", err)
	}
	if err := m.ArchiveState(ctx, key.StateType, key.EntityID, "janitor"); err != nil {
		t.Fatalf("ArchiveState error = %v", err)
	}

	transitions, err := m.Transitions(ctx, key.StateType, key.EntityID, 0)
	if err != nil {
		t.Fatalf("Transitions error = %v", err)
	}

	// Archive is a status flip, not a transition.
	want := []types.TransitionType{
		types.TransitionTypeRollback,
		types.TransitionTypeUpdate,
		types.TransitionTypeCreate,
	}
	if len(transitions) != len(want) {
		t.Fatalf("len(transitions) = %d, want %d", len(transitions), len(want))
	}
	for i, tt := range want {
		if transitions[i].TransitionType != tt {
			t.Errorf("transitions[%d] = %v, want %v", i, transitions[i].TransitionType, tt)
		}
	}
	if transitions[0].Reason != "revert bad run" {
		t.Errorf("rollback reason = %q", transitions[0].Reason)
	}
}

func TestManager_ObserversNotified(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-watch"}

	var versions []int64
	m.Observers().Watch(key, func(_ context.Context, snap *types.StateSnapshot) {
		versions = append(versions, snap.Version)
	})

	mustCreate(t, m, key, `{"n":1}`)
	mustUpdate(t, m, key, `{"n":2}`)

	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("observed versions = %v, want [1 2]", versions)
	}
}

func TestManager_Verify(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeSystem, EntityID: "sys-verify"}

	mustCreate(t, m, key, `{"cfg":"a"}`)
	if _, err := m.GetState(ctx, key.StateType, key.EntityID); err != nil {
		t.Fatalf("GetState error = %v", err)
	}

	report, err := m.Verify(ctx, key.StateType, key.EntityID)
	if err != nil {
		t.Fatalf("Verify error = %v", err)
	}
	if !report.ChecksumOK {
		t.Error("ChecksumOK = false for intact stream")
	}
	if !report.CacheInSync {
		t.Error("CacheInSync = false right after read")
	}
	if report.StoreVersion != 1 {
		t.Errorf("StoreVersion = %d, want 1", report.StoreVersion)
	}
	if report.Stream != key.String() {
		t.Errorf("Stream = %q, want %q", report.Stream, key.String())
	}
}

func TestManager_GetSnapshotByID(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeMemory, EntityID: "mem-byid"}

	first := mustCreate(t, m, key, `{"v":1}`)
	mustUpdate(t, m, key, `{"v":2}`)

	got, err := m.GetSnapshot(ctx, first.SnapshotID)
	if err != nil {
		t.Fatalf("GetSnapshot error = %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1 (old versions stay addressable)", got.Version)
	}

	if _, err := m.GetSnapshot(ctx, "nope"); !errors.Is(err, types.ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot unknown id error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestManager_SessionLifecycle(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-life"}

	// A session accumulates turns, gets rolled back after a bad exchange,
	// and is finally archived.
	mustCreate(t, m, key, `{"turns":1}`)
	mustUpdate(t, m, key, `{"turns":2}`)
	mustUpdate(t, m, key, `{"turns":3,"poisoned":true}`)

	rb, err := m.RollbackState(ctx, RollbackRequest{
		StateType:     key.StateType,
		EntityID:      key.EntityID,
		TargetVersion: 2,
		Actor:         "moderator",
		Reason:        "poisoned context",
	})
	if err != nil {
		t.Fatalf("RollbackState error = %v", err)
	}
	if !bytes.Contains(rb.Payload, []byte(`"turns":2`)) {
		t.Errorf("rolled back payload = %q", rb.Payload)
	}

	next := mustUpdate(t, m, key, `{"turns":3}`)
	if next.Version != 5 {
		t.Errorf("post-rollback Version = %d, want 5", next.Version)
	}

	if err := m.ArchiveState(ctx, key.StateType, key.EntityID, "janitor"); err != nil {
		t.Fatalf("ArchiveState error = %v", err)
	}
	if _, err := m.GetState(ctx, key.StateType, key.EntityID); err == nil {
		t.Error("archived session still readable")
	}

	history, err := m.History(ctx, key.StateType, key.EntityID, 0, 0)
	if err != nil {
		t.Fatalf("History error = %v", err)
	}
	if len(history) != 5 {
		t.Errorf("len(history) = %d, want 5", len(history))
	}
}
