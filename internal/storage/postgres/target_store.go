package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ckessler/competitrack/internal/tracker"
)

// TargetStore reads and updates target rows.
// It assumes a table schema like:
// CREATE TABLE targets (
//
//	id TEXT PRIMARY KEY,
//	url TEXT NOT NULL,
//	selector TEXT NOT NULL DEFAULT '',
//	interval_hours INT NOT NULL,
//	active BOOLEAN NOT NULL DEFAULT TRUE,
//	last_captured_at TIMESTAMPTZ,
//	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//
// );
type TargetStore struct {
	pool querier
}

// NewTargetStore constructs a TargetStore on an existing pool.
func NewTargetStore(pool querier) (*TargetStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TargetStore{pool: pool}, nil
}

const targetColumns = "id, url, selector, interval_hours, active, last_captured_at"

// GetTarget loads one target by id.
func (s *TargetStore) GetTarget(ctx context.Context, id string) (tracker.Target, error) {
	query := "SELECT " + targetColumns + " FROM targets WHERE id = $1"
	var target tracker.Target
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&target.ID,
		&target.URL,
		&target.Selector,
		&target.IntervalHours,
		&target.Active,
		&target.LastCapturedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Target{}, tracker.ErrTargetNotFound
	}
	if err != nil {
		return tracker.Target{}, fmt.Errorf("query target %s: %w", id, err)
	}
	return target, nil
}

// ListActiveTargets returns all active targets in creation order.
func (s *TargetStore) ListActiveTargets(ctx context.Context) ([]tracker.Target, error) {
	query := "SELECT " + targetColumns + " FROM targets WHERE active ORDER BY created_at, id"
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active targets: %w", err)
	}
	defer rows.Close()

	var targets []tracker.Target
	for rows.Next() {
		var target tracker.Target
		if err := rows.Scan(
			&target.ID,
			&target.URL,
			&target.Selector,
			&target.IntervalHours,
			&target.Active,
			&target.LastCapturedAt,
		); err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate target rows: %w", err)
	}
	return targets, nil
}

// TouchLastCaptured records the latest successful capture time.
func (s *TargetStore) TouchLastCaptured(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE targets SET last_captured_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("update last_captured_at for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.ErrTargetNotFound
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TargetStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
