package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ckessler/competitrack/internal/tracker"
)

// ChangeStore keeps the append-only change log in memory.
type ChangeStore struct {
	mu       sync.RWMutex
	byTarget map[string][]tracker.Change
}

// NewChangeStore constructs an empty ChangeStore.
func NewChangeStore() *ChangeStore {
	return &ChangeStore{
		byTarget: make(map[string][]tracker.Change),
	}
}

// CreateChange appends a change record. Changes are never updated or merged.
func (s *ChangeStore) CreateChange(_ context.Context, change tracker.Change) error {
	if change.ID == "" {
		return errors.New("change id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTarget[change.TargetID] = append(s.byTarget[change.TargetID], change)
	return nil
}

// ListChanges returns a target's changes created at or after since, in
// creation order.
func (s *ChangeStore) ListChanges(_ context.Context, targetID string, since time.Time) ([]tracker.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.Change
	for _, change := range s.byTarget[targetID] {
		if change.CreatedAt.Before(since) {
			continue
		}
		out = append(out, change)
	}
	return out, nil
}
