// Package ratelimit throttles fetches with a token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/novel-crawler/internal/metrics"
)

// HostLimit overrides the default bucket for one host.
type HostLimit struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration. A non-positive RPS disables
// throttling for that bucket.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Hosts        map[string]HostLimit
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	def      HostLimit
	hosts    map[string]HostLimit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	hosts := make(map[string]HostLimit, len(cfg.Hosts))
	for host, lim := range cfg.Hosts {
		hosts[strings.ToLower(host)] = lim
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		def:      HostLimit{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst},
		hosts:    hosts,
	}
}

func newBucket(l HostLimit) *rate.Limiter {
	r := rate.Limit(l.RPS)
	if l.RPS <= 0 {
		r = rate.Inf
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(r, burst)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[host]
	if !ok {
		cfg, custom := l.hosts[host]
		if !custom {
			cfg = l.def
		}
		b = newBucket(cfg)
		l.limiters[host] = b
	}
	return b
}

// Wait blocks until a token is available for rawURL's host, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}

	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, d)
	}
	return nil
}
