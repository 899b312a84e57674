// Package ratelimit implements keyed token-bucket limiters. The trigger
// listener keys by client IP; the discovery client keys by upstream host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scraper-fleet/internal/telemetry"
)

// Config holds rate limiter configuration.
type Config struct {
	// Name labels wait metrics.
	Name string
	// Every is the interval between tokens. Zero disables limiting.
	Every time.Duration
	Burst int
	// IdleTTL drops keys that have not been seen for this long.
	IdleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	name     string
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.Every > 0 {
		limit = rate.Every(cfg.Every)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Limiter{
		name:     name,
		limiters: make(map[string]*entry),
		limit:    limit,
		burst:    burst,
		idleTTL:  ttl,
		now:      time.Now,
	}
}

// PerMinute is a Config for n requests per minute with a burst of n.
func PerMinute(name string, n int) Config {
	if n <= 0 {
		return Config{Name: name}
	}
	return Config{Name: name, Every: time.Minute / time.Duration(n), Burst: n}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		l.prune(now)
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (l *Limiter) prune(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.limiters, k)
		}
	}
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	limiter := l.get(key)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		telemetry.ObserveLimiterWait(l.name, d)
	}
	return nil
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
