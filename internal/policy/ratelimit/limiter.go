// Package ratelimit implements per-host token buckets in front of upstream calls.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Observer is notified when a caller had to wait for a token.
type Observer func(host string, waited time.Duration)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained rate per host; <= 0 disables limiting.
	RPS float64
	// Burst is the bucket size per host (minimum 1).
	Burst    int
	Observer Observer
}

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	observe  Observer
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		observe:  cfg.Observer,
	}
}

// Wait blocks until a token is available for the locator's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, locator string) error {
	if l == nil {
		return nil
	}
	host := Host(locator)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(host, waited)
	}
	return nil
}

// Host returns the lowercase hostname of a locator, or "unknown".
func Host(locator string) string {
	raw := strings.TrimSpace(locator)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
