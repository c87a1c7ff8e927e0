package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ckessler/competitrack/internal/tracker"
)

// ChangeStore persists detected changes.
// It assumes a table schema like:
// CREATE TABLE changes (
//
//	id TEXT PRIMARY KEY,
//	target_id TEXT NOT NULL REFERENCES targets(id),
//	snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
//	kind TEXT NOT NULL,
//	old_value TEXT NOT NULL DEFAULT '',
//	new_value TEXT NOT NULL DEFAULT '',
//	confidence DOUBLE PRECISION NOT NULL,
//	created_at TIMESTAMPTZ NOT NULL
//
// );
// CREATE INDEX changes_target_created ON changes (target_id, created_at);
type ChangeStore struct {
	pool querier
}

// NewChangeStore constructs a ChangeStore on an existing pool.
func NewChangeStore(pool querier) (*ChangeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ChangeStore{pool: pool}, nil
}

// CreateChange appends one change row.
func (s *ChangeStore) CreateChange(ctx context.Context, change tracker.Change) error {
	if change.ID == "" {
		return fmt.Errorf("change id is required")
	}
	query := `
INSERT INTO changes (
	id,
	target_id,
	snapshot_id,
	kind,
	old_value,
	new_value,
	confidence,
	created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		change.ID,
		change.TargetID,
		change.SnapshotID,
		string(change.Kind),
		change.OldValue,
		change.NewValue,
		change.Confidence,
		change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert change %s: %w", change.ID, err)
	}
	return nil
}

// ListChanges returns a target's changes at or after the given time in
// chronological order.
func (s *ChangeStore) ListChanges(ctx context.Context, targetID string, since time.Time) ([]tracker.Change, error) {
	query := `
SELECT id, target_id, snapshot_id, kind, old_value, new_value, confidence, created_at
FROM changes
WHERE target_id = $1 AND created_at >= $2
ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, targetID, since)
	if err != nil {
		return nil, fmt.Errorf("query changes for %s: %w", targetID, err)
	}
	defer rows.Close()

	var changes []tracker.Change
	for rows.Next() {
		var change tracker.Change
		var kind string
		if err := rows.Scan(
			&change.ID,
			&change.TargetID,
			&change.SnapshotID,
			&kind,
			&change.OldValue,
			&change.NewValue,
			&change.Confidence,
			&change.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan change row: %w", err)
		}
		change.Kind = tracker.ChangeKind(kind)
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change rows: %w", err)
	}
	return changes, nil
}

// Close releases the underlying pool resources.
func (s *ChangeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
