package types

import (
	"fmt"
	"time"
)

// CorruptedStateError is returned when a snapshot's checksum does not match a
// recomputation over its payload and metadata. Corrupt state is never
// repaired or silently replaced.
type CorruptedStateError struct {
	SnapshotID string
	StateType  StateType
	EntityID   string
	Version    int64
}

func (e *CorruptedStateError) Error() string {
	return fmt.Sprintf("corrupted state: checksum mismatch for snapshot %s (%s/%s v%d)",
		e.SnapshotID, e.StateType, e.EntityID, e.Version)
}

// ExpiredStateError is returned when the current snapshot's TTL has elapsed
// but the reaper has not yet suspended it. After the sweep the stream reads
// as ErrStreamNotFound instead.
type ExpiredStateError struct {
	SnapshotID string
	ExpiresAt  time.Time
}

func (e *ExpiredStateError) Error() string {
	return fmt.Sprintf("state expired: snapshot %s expired at %s", e.SnapshotID, e.ExpiresAt.Format(time.RFC3339))
}

// ConcurrentModificationError is returned when a caller-supplied expected
// version no longer matches the stream's current version. Retry policy is the
// caller's concern.
type ConcurrentModificationError struct {
	Key             StreamKey
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification on %s: expected version %d, current is %d",
		e.Key, e.ExpectedVersion, e.CurrentVersion)
}

// InvalidTargetError is returned when a rollback target version does not
// exist in the stream.
type InvalidTargetError struct {
	Key            StreamKey
	TargetVersion  int64
	CurrentVersion int64
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid rollback target on %s: version %d (stream is at %d)",
		e.Key, e.TargetVersion, e.CurrentVersion)
}

// IndeterminateWriteError is returned when a durable write times out before
// its outcome is known. The write may or may not have committed; callers must
// re-read the stream before retrying.
type IndeterminateWriteError struct {
	Key     StreamKey
	Version int64
	Err     error
}

func (e *IndeterminateWriteError) Error() string {
	return fmt.Sprintf("indeterminate write on %s at version %d: %v", e.Key, e.Version, e.Err)
}

func (e *IndeterminateWriteError) Unwrap() error {
	return e.Err
}
