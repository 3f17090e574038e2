// Package ratelimit throttles remote metadata fetches per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/token-metadata-crawler/internal/metrics"
)

const defaultMaxHosts = 10000

// Limiter hands out per-host rate limiters lazily and keeps at most MaxHosts of them,
// evicting the least recently used. A zero or negative RPS disables throttling entirely.
type Limiter struct {
	mu      sync.Mutex
	buckets *lru.Cache
	rps     rate.Limit
	burst   int
}

// Config holds rate limiter configuration.
type Config struct {
	PerHostRPS float64
	Burst      int
	MaxHosts   int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxHosts := cfg.MaxHosts
	if maxHosts <= 0 {
		maxHosts = defaultMaxHosts
	}
	return &Limiter{
		buckets: lru.New(maxHosts),
		rps:     r,
		burst:   burst,
	}
}

// Enabled reports whether Wait can ever block.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rps != rate.Inf
}

// Wait blocks until the host of rawURL may be fetched again, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if !l.Enabled() {
		return nil
	}
	host := hostOf(rawURL)
	limiter := l.forHost(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// token available immediately is not a delay worth recording
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(host); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(l.rps, l.burst)
	l.buckets.Add(host, limiter)
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
