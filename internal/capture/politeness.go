package capture

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// PolitenessConfig holds per-domain pacing settings.
type PolitenessConfig struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Politeness paces captures per domain so concurrent jobs do not hammer a
// single competitor site. This is separate from the request-facing
// fixed-window limiter: it shapes the worker side, not user actions.
type Politeness struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// NewPoliteness creates a per-domain pacer.
func NewPoliteness(cfg PolitenessConfig) *Politeness {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Politeness{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the URL's domain, respecting
// the context.
func (p *Politeness) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}

	p.mu.Lock()
	limiter, exists := p.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(p.defaultRate, p.defaultBurst)
		p.limiters[domain] = limiter
	}
	p.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
