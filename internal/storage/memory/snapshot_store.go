package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ckessler/competitrack/internal/tracker"
)

// SnapshotStore keeps snapshots in memory, ordered per target by write
// order. Writes are serialized under the lock, so write order is creation
// order.
type SnapshotStore struct {
	mu       sync.RWMutex
	byID     map[string]tracker.Snapshot
	byTarget map[string][]string
}

// NewSnapshotStore constructs an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		byID:     make(map[string]tracker.Snapshot),
		byTarget: make(map[string][]string),
	}
}

// CreateSnapshot appends an immutable snapshot.
func (s *SnapshotStore) CreateSnapshot(_ context.Context, snap tracker.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ID == "" {
		return errors.New("snapshot id is required")
	}
	if _, exists := s.byID[snap.ID]; exists {
		return errors.New("snapshot already exists")
	}
	s.byID[snap.ID] = copySnapshot(snap)
	s.byTarget[snap.TargetID] = append(s.byTarget[snap.TargetID], snap.ID)
	return nil
}

// GetSnapshot fetches a snapshot by id.
func (s *SnapshotStore) GetSnapshot(_ context.Context, id string) (tracker.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[id]
	if !ok {
		return tracker.Snapshot{}, tracker.ErrSnapshotNotFound
	}
	return copySnapshot(snap), nil
}

// copySnapshot detaches the screenshot backing array so callers cannot
// mutate stored state.
func copySnapshot(snap tracker.Snapshot) tracker.Snapshot {
	if snap.Screenshot != nil {
		snap.Screenshot = append([]byte(nil), snap.Screenshot...)
	}
	return snap
}

// PreviousSnapshot returns the snapshot immediately preceding the given one
// in creation order for the same target.
func (s *SnapshotStore) PreviousSnapshot(_ context.Context, targetID, beforeSnapshotID string) (tracker.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTarget[targetID]
	for i, id := range ids {
		if id != beforeSnapshotID {
			continue
		}
		if i == 0 {
			return tracker.Snapshot{}, tracker.ErrSnapshotNotFound
		}
		return copySnapshot(s.byID[ids[i-1]]), nil
	}
	return tracker.Snapshot{}, tracker.ErrSnapshotNotFound
}
