package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/courtside/stateledger/internal/state/types"
)

// MemoryStore is an in-memory Store used for tests and single-process dev
// mode. Snapshot structs are copied on read; payload bytes are shared with
// the stored row.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*types.StateSnapshot
	streams     map[string][]*types.StateSnapshot // ascending by version
	transitions map[string][]*types.StateTransition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*types.StateSnapshot),
		streams:     make(map[string][]*types.StateSnapshot),
		transitions: make(map[string][]*types.StateTransition),
	}
}

func (s *MemoryStore) InsertSnapshot(ctx context.Context, snapshot *types.StateSnapshot, transition *types.StateTransition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := snapshot.Key().String()
	for _, existing := range s.streams[k] {
		if existing.Version == snapshot.Version {
			return types.ErrDuplicateVersion
		}
	}

	stored := *snapshot
	s.byID[stored.SnapshotID] = &stored
	s.streams[k] = append(s.streams[k], &stored)
	sort.Slice(s.streams[k], func(i, j int) bool {
		return s.streams[k][i].Version < s.streams[k][j].Version
	})

	if transition != nil {
		t := *transition
		tk := transition.Key().String()
		s.transitions[tk] = append(s.transitions[tk], &t)
	}

	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, snapshotID string) (*types.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.byID[snapshotID]
	if !ok {
		return nil, types.ErrSnapshotNotFound
	}
	out := *snap
	return &out, nil
}

func (s *MemoryStore) GetCurrent(ctx context.Context, key types.StreamKey) (*types.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[key.String()]
	if len(stream) == 0 {
		return nil, types.ErrStreamNotFound
	}
	out := *stream[len(stream)-1]
	return &out, nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, key types.StreamKey, version int64) (*types.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.streams[key.String()] {
		if snap.Version == version {
			out := *snap
			return &out, nil
		}
	}
	return nil, types.ErrSnapshotNotFound
}

func (s *MemoryStore) MaxVersion(ctx context.Context, key types.StreamKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[key.String()]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Version, nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, key types.StreamKey, limit int, beforeVersion int64) ([]*types.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[key.String()]
	var result []*types.StateSnapshot
	for i := len(stream) - 1; i >= 0; i-- {
		if beforeVersion > 0 && stream[i].Version >= beforeVersion {
			continue
		}
		out := *stream[i]
		result = append(result, &out)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransitions(ctx context.Context, key types.StreamKey, limit int) ([]*types.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transitions[key.String()]
	var result []*types.StateTransition
	for i := len(all) - 1; i >= 0; i-- {
		out := *all[i]
		result = append(result, &out)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkStatus(ctx context.Context, snapshotID string, status types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.byID[snapshotID]
	if !ok {
		return types.ErrSnapshotNotFound
	}
	snap.Status = status
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*types.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.StateSnapshot
	for _, snap := range s.byID {
		if snap.Status == types.StatusActive && snap.Expired(now) {
			out := *snap
			result = append(result, &out)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
