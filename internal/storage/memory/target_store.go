package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ckessler/competitrack/internal/tracker"
)

// TargetStore provides an in-memory tracker.TargetStore for development and
// testing.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]tracker.Target
	order   []string
}

// NewTargetStore constructs an empty TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{
		targets: make(map[string]tracker.Target),
	}
}

// PutTarget inserts or replaces a target. Test setup helper; target CRUD is
// not a core operation.
func (s *TargetStore) PutTarget(target tracker.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[target.ID]; !exists {
		s.order = append(s.order, target.ID)
	}
	s.targets[target.ID] = target
}

// GetTarget fetches a target by id.
func (s *TargetStore) GetTarget(_ context.Context, id string) (tracker.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[id]
	if !ok {
		return tracker.Target{}, tracker.ErrTargetNotFound
	}
	return target, nil
}

// ListActiveTargets returns active targets in insertion order.
func (s *TargetStore) ListActiveTargets(_ context.Context) ([]tracker.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.Target
	for _, id := range s.order {
		if target := s.targets[id]; target.Active {
			out = append(out, target)
		}
	}
	return out, nil
}

// TouchLastCaptured records a successful capture time.
func (s *TargetStore) TouchLastCaptured(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[id]
	if !ok {
		return tracker.ErrTargetNotFound
	}
	target.LastCapturedAt = &at
	s.targets[id] = target
	return nil
}
