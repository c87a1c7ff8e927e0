package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store is a shared fixed-window counter. Incr either opens a fresh window
// for the key (returning count 1) or increments the counter inside the
// current one.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// LocalStore is the in-process fallback counter table.
type LocalStore struct {
	mu      sync.Mutex
	entries map[string]windowEntry
	now     func() time.Time
}

// NewLocalStore builds an empty local counter table.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		entries: make(map[string]windowEntry),
		now:     time.Now,
	}
}

// Incr implements Store. It never fails.
func (s *LocalStore) Incr(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || !entry.resetAt.After(now) {
		entry = windowEntry{count: 1, resetAt: now.Add(window)}
		s.entries[key] = entry
		s.sweepLocked(now)
		return entry.count, entry.resetAt, nil
	}

	entry.count++
	s.entries[key] = entry
	return entry.count, entry.resetAt, nil
}

// sweepLocked drops expired windows so the table does not grow without
// bound. Called opportunistically whenever a new window opens.
func (s *LocalStore) sweepLocked(now time.Time) {
	for key, entry := range s.entries {
		if !entry.resetAt.After(now) {
			delete(s.entries, key)
		}
	}
}
