// Package ratelimit provides per-key token bucket throttling, used to slow
// down credential guessing on the login endpoint.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultIdleTTL         = 10 * time.Minute
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key (usually a client IP)
type KeyedLimiter struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a KeyedLimiter
type Option func(*KeyedLimiter)

// WithIdleTTL sets how long an unused bucket is kept
func WithIdleTTL(ttl time.Duration) Option {
	return func(l *KeyedLimiter) { l.ttl = ttl }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *KeyedLimiter) { l.now = now }
}

// NewKeyedLimiter allows rps events per second per key with the given burst
func NewKeyedLimiter(rps float64, burst int, opts ...Option) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &KeyedLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		ttl:     defaultIdleTTL,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token for key and reports whether it was available
func (l *KeyedLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// RetryAfter estimates how long key must wait for its next token
func (l *KeyedLimiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if !ok || l.rps <= 0 {
		return 0
	}

	now := l.now()
	r := e.limiter.ReserveN(now, 1)
	defer r.CancelAt(now)
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}

// Cleanup drops buckets idle for longer than the TTL and returns how many were removed
func (l *KeyedLimiter) Cleanup() int {
	cutoff := l.now().Add(-l.ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup periodically until ctx is cancelled
func (l *KeyedLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Len returns the number of tracked keys
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
