// Package ratelimit implements a fixed-window request limiter backed by a
// shared counter store with an in-process fallback.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/metrics"
)

// Result describes one limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	// ResetAt is the window expiry instant, from which callers compute
	// retry-after.
	ResetAt time.Time `json:"reset_at"`
}

// RetryAfter returns the wait until the window resets, floored at zero.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Preset pairs a request budget with its window.
type Preset struct {
	Max    int
	Window time.Duration
}

// Limit presets for the operations the core gates.
var (
	APILimit     = Preset{Max: 100, Window: time.Minute}
	ScrapeLimit  = Preset{Max: 5, Window: time.Minute}
	InsightLimit = Preset{Max: 10, Window: time.Minute}
)

// Key namespaces a counter by action and actor so limits for different
// operations never share a budget.
func Key(action, actor string) string {
	return fmt.Sprintf("%s:%s", action, actor)
}

// Config controls limiter behavior.
type Config struct {
	// RemoteTimeout bounds each shared-store round trip.
	RemoteTimeout time.Duration
}

// Limiter checks fixed-window limits against a shared store, degrading to a
// process-local store when the shared one is unreachable. Window boundaries
// are a hard cutoff: a burst spanning a boundary can admit up to 2x the
// budget across the boundary. That is an accepted approximation.
type Limiter struct {
	shared        Store
	local         *LocalStore
	remoteTimeout time.Duration
	logger        *zap.Logger
}

// New builds a Limiter. shared may be nil, in which case only the local
// store is used.
func New(shared Store, local *LocalStore, cfg Config, logger *zap.Logger) *Limiter {
	if local == nil {
		local = NewLocalStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Limiter{
		shared:        shared,
		local:         local,
		remoteTimeout: timeout,
		logger:        logger,
	}
}

// Check records one request against the key's window and reports whether it
// is admitted. It never returns an error: a shared-store failure falls back
// to the local counter rather than failing the caller.
func (l *Limiter) Check(ctx context.Context, key string, max int, window time.Duration) Result {
	count, resetAt, err := l.increment(ctx, key, window)
	if err != nil {
		l.logger.Warn("shared limit store unreachable, using local counter",
			zap.String("key", key),
			zap.Error(err),
		)
		count, resetAt, _ = l.local.Incr(ctx, key, window)
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= max
	metrics.ObserveRateLimitDecision(allowed)

	return Result{
		Allowed:   allowed,
		Limit:     max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if l.shared == nil {
		return l.local.Incr(ctx, key, window)
	}
	incrCtx, cancel := context.WithTimeout(ctx, l.remoteTimeout)
	defer cancel()
	return l.shared.Incr(incrCtx, key, window)
}
