package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courtside/stateledger/internal/state/types"
)

// PostgresStore implements Store on PostgreSQL. The unique constraint on
// (state_type, entity_id, version) is the backstop for version races; a
// violation surfaces as types.ErrDuplicateVersion.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const snapshotColumns = `snapshot_id, state_type, entity_id, payload, payload_format,
	metadata, version, parent_snapshot_id, checksum, created_at, expires_at, status`

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snapshot *types.StateSnapshot, transition *types.StateTransition) error {
	metadata, err := json.Marshal(orEmpty(snapshot.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO state_snapshots (
			snapshot_id, state_type, entity_id, payload, payload_format,
			metadata, version, parent_snapshot_id, checksum, created_at,
			expires_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		snapshot.SnapshotID,
		snapshot.StateType.String(),
		snapshot.EntityID,
		snapshot.Payload,
		snapshot.PayloadFormat,
		metadata,
		snapshot.Version,
		nullableString(snapshot.ParentSnapshotID),
		snapshot.Checksum,
		snapshot.CreatedAt,
		nullableTime(snapshot.ExpiresAt),
		snapshot.Status.String(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return types.ErrDuplicateVersion
		}
		return fmt.Errorf("failed to insert snapshot %s: %w", snapshot.SnapshotID, err)
	}

	if transition != nil {
		transMetadata, err := json.Marshal(orEmpty(transition.Metadata))
		if err != nil {
			return fmt.Errorf("failed to marshal transition metadata: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO state_transitions (
				transition_id, state_type, entity_id, from_snapshot_id,
				to_snapshot_id, transition_type, actor, reason, timestamp, metadata
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			transition.TransitionID,
			transition.StateType.String(),
			transition.EntityID,
			nullableString(transition.FromSnapshotID),
			transition.ToSnapshotID,
			transition.TransitionType.String(),
			transition.Actor,
			nullableString(transition.Reason),
			transition.Timestamp,
			transMetadata,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transition %s: %w", transition.TransitionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit write: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (*types.StateSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM state_snapshots
		WHERE snapshot_id = $1
	`, snapshotID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrSnapshotNotFound
	}
	return snap, err
}

func (s *PostgresStore) GetCurrent(ctx context.Context, key types.StreamKey) (*types.StateSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM state_snapshots
		WHERE state_type = $1 AND entity_id = $2
		ORDER BY version DESC
		LIMIT 1
	`, key.StateType.String(), key.EntityID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrStreamNotFound
	}
	return snap, err
}

func (s *PostgresStore) GetVersion(ctx context.Context, key types.StreamKey, version int64) (*types.StateSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM state_snapshots
		WHERE state_type = $1 AND entity_id = $2 AND version = $3
	`, key.StateType.String(), key.EntityID, version)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrSnapshotNotFound
	}
	return snap, err
}

func (s *PostgresStore) MaxVersion(ctx context.Context, key types.StreamKey) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM state_snapshots
		WHERE state_type = $1 AND entity_id = $2
	`, key.StateType.String(), key.EntityID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get max version: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, key types.StreamKey, limit int, beforeVersion int64) ([]*types.StateSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	if beforeVersion <= 0 {
		beforeVersion = int64(1)<<62 - 1
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM state_snapshots
		WHERE state_type = $1 AND entity_id = $2 AND version < $3
		ORDER BY version DESC
		LIMIT $4
	`, key.StateType.String(), key.EntityID, beforeVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var result []*types.StateSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListTransitions(ctx context.Context, key types.StreamKey, limit int) ([]*types.StateTransition, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT transition_id, state_type, entity_id, from_snapshot_id,
			to_snapshot_id, transition_type, actor, reason, timestamp, metadata
		FROM state_transitions
		WHERE state_type = $1 AND entity_id = $2
		ORDER BY timestamp DESC, transition_id DESC
		LIMIT $3
	`, key.StateType.String(), key.EntityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var result []*types.StateTransition
	for rows.Next() {
		var (
			t              types.StateTransition
			stateType      string
			from, reason   *string
			transitionType string
			metadata       []byte
		)
		if err := rows.Scan(&t.TransitionID, &stateType, &t.EntityID, &from,
			&t.ToSnapshotID, &transitionType, &t.Actor, &reason, &t.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if t.StateType, err = types.ParseStateType(stateType); err != nil {
			return nil, err
		}
		if t.TransitionType, err = types.ParseTransitionType(transitionType); err != nil {
			return nil, err
		}
		if from != nil {
			t.FromSnapshotID = *from
		}
		if reason != nil {
			t.Reason = *reason
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transition metadata: %w", err)
			}
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MarkStatus(ctx context.Context, snapshotID string, status types.Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE state_snapshots SET status = $1 WHERE snapshot_id = $2
	`, status.String(), snapshotID)
	if err != nil {
		return fmt.Errorf("failed to mark status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrSnapshotNotFound
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*types.StateSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM state_snapshots
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired snapshots: %w", err)
	}
	defer rows.Close()

	var result []*types.StateSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func scanSnapshot(row pgx.Row) (*types.StateSnapshot, error) {
	var (
		snap      types.StateSnapshot
		stateType string
		status    string
		metadata  []byte
		parent    *string
		expiresAt *time.Time
	)

	err := row.Scan(&snap.SnapshotID, &stateType, &snap.EntityID, &snap.Payload,
		&snap.PayloadFormat, &metadata, &snap.Version, &parent, &snap.Checksum,
		&snap.CreatedAt, &expiresAt, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	if snap.StateType, err = types.ParseStateType(stateType); err != nil {
		return nil, err
	}
	if snap.Status, err = types.ParseStatus(status); err != nil {
		return nil, err
	}
	if parent != nil {
		snap.ParentSnapshotID = *parent
	}
	if expiresAt != nil {
		snap.ExpiresAt = *expiresAt
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &snap.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot metadata: %w", err)
		}
	}

	return &snap, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
