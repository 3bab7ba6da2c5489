package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/courtside/stateledger/internal/state/types"
)

type captureSink struct {
	mu     sync.Mutex
	events []*Event
	closed bool
}

func (s *captureSink) Write(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestLogger_RecordAndDrain(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(DefaultConfig(), nil)
	l.AddSink(sink)

	key := types.StreamKey{StateType: types.StateTypeSession, EntityID: "sess-1"}
	snap := &types.StateSnapshot{SnapshotID: "snap-1", Version: 3}

	l.Record("update", "session-router", key, snap, "", nil)
	l.Record("rollback", "operator", key, snap, "bad turn", errors.New("boom"))

	if err := l.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}

	if len(sink.events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(sink.events))
	}

	first := sink.events[0]
	if first.Operation != "update" || first.Outcome != OutcomeSuccess {
		t.Errorf("first event = %s/%s, want update/success", first.Operation, first.Outcome)
	}
	if first.SnapshotID != "snap-1" || first.Version != 3 {
		t.Errorf("first event snapshot = %s v%d", first.SnapshotID, first.Version)
	}

	second := sink.events[1]
	if second.Outcome != OutcomeFailure || second.ErrorMessage != "boom" {
		t.Errorf("second event = %s/%q, want failure/boom", second.Outcome, second.ErrorMessage)
	}
	if second.Reason != "bad turn" {
		t.Errorf("second event reason = %q", second.Reason)
	}

	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestLogger_DisabledDropsEverything(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(Config{Enabled: false, BufferSize: 10}, nil)
	l.AddSink(sink)

	key := types.StreamKey{StateType: types.StateTypeAgent, EntityID: "agent-1"}
	l.Record("create", "tester", key, nil, "", nil)

	if err := l.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if len(sink.events) != 0 {
		t.Errorf("disabled logger wrote %d events", len(sink.events))
	}
}
