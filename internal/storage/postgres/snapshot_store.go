package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ckessler/competitrack/internal/tracker"
)

// SnapshotStore persists capture snapshots.
// It assumes a table schema like:
// CREATE TABLE snapshots (
//
//	id TEXT PRIMARY KEY,
//	target_id TEXT NOT NULL REFERENCES targets(id),
//	html TEXT NOT NULL,
//	screenshot BYTEA,
//	screenshot_uri TEXT NOT NULL DEFAULT '',
//	extracted_data TEXT NOT NULL DEFAULT '',
//	detected_text TEXT NOT NULL DEFAULT '',
//	detected_price DOUBLE PRECISION,
//	created_at TIMESTAMPTZ NOT NULL
//
// );
// CREATE INDEX snapshots_target_created ON snapshots (target_id, created_at, id);
type SnapshotStore struct {
	pool querier
}

// NewSnapshotStore constructs a SnapshotStore on an existing pool.
func NewSnapshotStore(pool querier) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SnapshotStore{pool: pool}, nil
}

const snapshotColumns = "id, target_id, html, screenshot, screenshot_uri, extracted_data, detected_text, detected_price, created_at"

// CreateSnapshot inserts a snapshot row. Snapshots are immutable; duplicate
// ids are rejected by the primary key.
func (s *SnapshotStore) CreateSnapshot(ctx context.Context, snap tracker.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	query := `
INSERT INTO snapshots (
	id,
	target_id,
	html,
	screenshot,
	screenshot_uri,
	extracted_data,
	detected_text,
	detected_price,
	created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, query,
		snap.ID,
		snap.TargetID,
		snap.HTML,
		snap.Screenshot,
		snap.ScreenshotURI,
		snap.ExtractedData,
		snap.DetectedText,
		snap.DetectedPrice,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// GetSnapshot loads one snapshot by id.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, id string) (tracker.Snapshot, error) {
	query := "SELECT " + snapshotColumns + " FROM snapshots WHERE id = $1"
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Snapshot{}, tracker.ErrSnapshotNotFound
	}
	if err != nil {
		return tracker.Snapshot{}, fmt.Errorf("query snapshot %s: %w", id, err)
	}
	return snap, nil
}

// PreviousSnapshot returns the snapshot immediately preceding the given one
// by (created_at, id) order for the same target. The id tiebreak keeps the
// ordering deterministic when two captures land on the same timestamp.
func (s *SnapshotStore) PreviousSnapshot(ctx context.Context, targetID, beforeSnapshotID string) (tracker.Snapshot, error) {
	query := `
SELECT ` + snapshotColumns + `
FROM snapshots
WHERE target_id = $1
  AND (created_at, id) < (SELECT created_at, id FROM snapshots WHERE id = $2)
ORDER BY created_at DESC, id DESC
LIMIT 1`
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, targetID, beforeSnapshotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Snapshot{}, tracker.ErrSnapshotNotFound
	}
	if err != nil {
		return tracker.Snapshot{}, fmt.Errorf("query previous snapshot for %s: %w", targetID, err)
	}
	return snap, nil
}

func scanSnapshot(row pgx.Row) (tracker.Snapshot, error) {
	var snap tracker.Snapshot
	err := row.Scan(
		&snap.ID,
		&snap.TargetID,
		&snap.HTML,
		&snap.Screenshot,
		&snap.ScreenshotURI,
		&snap.ExtractedData,
		&snap.DetectedText,
		&snap.DetectedPrice,
		&snap.CreatedAt,
	)
	return snap, err
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
