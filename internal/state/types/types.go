package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStreamNotFound   = errors.New("state stream not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrStreamExists     = errors.New("state stream already exists")
	ErrDuplicateVersion = errors.New("duplicate snapshot version")
	ErrReasonRequired   = errors.New("rollback reason is required")
	ErrInvalidStateType = errors.New("invalid state type")
	ErrInvalidEntityID  = errors.New("invalid entity id")

	// ErrLockDiscipline is surfaced when a duplicate version is detected twice
	// under the same stream lock. That should be impossible and indicates a
	// locking bug, not a transient race.
	ErrLockDiscipline = errors.New("duplicate version recurred under stream lock")
)

// PayloadFormatJSON is the only payload format tag in use today. The tag is
// stored alongside the payload so new formats can be introduced without a
// schema change.
const PayloadFormatJSON = "json"

type StateType int32

const (
	StateTypeUnspecified StateType = iota
	StateTypeSession
	StateTypeAgent
	StateTypeWorkflow
	StateTypeSystem
	StateTypeMemory
)

// StateTypes returns the closed set of valid state types.
func StateTypes() []StateType {
	return []StateType{
		StateTypeSession,
		StateTypeAgent,
		StateTypeWorkflow,
		StateTypeSystem,
		StateTypeMemory,
	}
}

func (t StateType) String() string {
	names := map[StateType]string{
		StateTypeUnspecified: "unspecified",
		StateTypeSession:     "session",
		StateTypeAgent:       "agent",
		StateTypeWorkflow:    "workflow",
		StateTypeSystem:      "system",
		StateTypeMemory:      "memory",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return "unknown"
}

func (t StateType) Valid() bool {
	return t >= StateTypeSession && t <= StateTypeMemory
}

// ParseStateType resolves a wire-format state type string. Unknown values are
// rejected rather than persisted.
func ParseStateType(s string) (StateType, error) {
	for _, t := range StateTypes() {
		if t.String() == s {
			return t, nil
		}
	}
	return StateTypeUnspecified, fmt.Errorf("%w: %q", ErrInvalidStateType, s)
}

type Status int32

const (
	StatusUnspecified Status = iota
	StatusActive
	StatusCompleted
	StatusFailed
	StatusSuspended
	StatusArchived
)

func (s Status) String() string {
	names := map[Status]string{
		StatusUnspecified: "unspecified",
		StatusActive:      "active",
		StatusCompleted:   "completed",
		StatusFailed:      "failed",
		StatusSuspended:   "suspended",
		StatusArchived:    "archived",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return "unknown"
}

func ParseStatus(s string) (Status, error) {
	for st := StatusActive; st <= StatusArchived; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusUnspecified, fmt.Errorf("invalid status: %q", s)
}

type TransitionType int32

const (
	TransitionTypeUnspecified TransitionType = iota
	TransitionTypeCreate
	TransitionTypeUpdate
	TransitionTypeRollback
	TransitionTypeRestore
)

func (t TransitionType) String() string {
	names := map[TransitionType]string{
		TransitionTypeUnspecified: "unspecified",
		TransitionTypeCreate:      "create",
		TransitionTypeUpdate:      "update",
		TransitionTypeRollback:    "rollback",
		TransitionTypeRestore:     "restore",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return "unknown"
}

func ParseTransitionType(s string) (TransitionType, error) {
	for tt := TransitionTypeCreate; tt <= TransitionTypeRestore; tt++ {
		if tt.String() == s {
			return tt, nil
		}
	}
	return TransitionTypeUnspecified, fmt.Errorf("invalid transition type: %q", s)
}

// StreamKey addresses one state stream: the ordered sequence of snapshots
// owned by a (state type, entity id) pair.
type StreamKey struct {
	StateType StateType `json:"state_type"`
	EntityID  string    `json:"entity_id"`
}

func (k StreamKey) String() string {
	return k.StateType.String() + "/" + k.EntityID
}

func (k StreamKey) Validate() error {
	if !k.StateType.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStateType, int32(k.StateType))
	}
	if k.EntityID == "" {
		return ErrInvalidEntityID
	}
	return nil
}

// StateSnapshot is one immutable version of an entity's state. Updating state
// always produces a new snapshot; persisted rows are never mutated beyond
// status flips.
type StateSnapshot struct {
	SnapshotID       string            `json:"snapshot_id"`
	StateType        StateType         `json:"state_type"`
	EntityID         string            `json:"entity_id"`
	Payload          []byte            `json:"payload"`
	PayloadFormat    string            `json:"payload_format"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Version          int64             `json:"version"`
	ParentSnapshotID string            `json:"parent_snapshot_id,omitempty"`
	Checksum         []byte            `json:"checksum"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at,omitzero"`
	Status           Status            `json:"status"`
}

func (s *StateSnapshot) Key() StreamKey {
	return StreamKey{StateType: s.StateType, EntityID: s.EntityID}
}

// Expired reports whether the snapshot's TTL has elapsed. A zero ExpiresAt
// means the snapshot never expires.
func (s *StateSnapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// StateTransition records one state-changing operation. Transition rows are
// append-only and permanent; status flips (expiry, archival) do not produce
// transitions.
type StateTransition struct {
	TransitionID   string            `json:"transition_id"`
	StateType      StateType         `json:"state_type"`
	EntityID       string            `json:"entity_id"`
	FromSnapshotID string            `json:"from_snapshot_id,omitempty"`
	ToSnapshotID   string            `json:"to_snapshot_id"`
	TransitionType TransitionType    `json:"transition_type"`
	Actor          string            `json:"actor"`
	Reason         string            `json:"reason,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (t *StateTransition) Key() StreamKey {
	return StreamKey{StateType: t.StateType, EntityID: t.EntityID}
}
