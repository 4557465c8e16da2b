// Package ratelimit implements a per-project token bucket gating outbound
// AI provider calls.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/creeklabs/loreforge/internal/metrics"
)

// Limiter manages one token bucket per project. A bucket refills at
// requestsPerMinute/60 tokens per second with burst capacity equal to
// requestsPerMinute, so a full minute's allowance can be spent at once but
// the rolling-minute average never exceeds the configured rate.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter   *rate.Limiter
	perMinute int
}

// New creates an empty Limiter. Buckets are created lazily per project.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Acquire blocks until the project's bucket grants a token or ctx is
// canceled. requestsPerMinute <= 0 disables limiting for the project.
// Waiters are served in request order.
func (l *Limiter) Acquire(ctx context.Context, projectID string, requestsPerMinute int) error {
	l.mu.Lock()
	b, ok := l.buckets[projectID]
	if !ok || b.perMinute != requestsPerMinute {
		b = &bucket{
			limiter:   rate.NewLimiter(limitFor(requestsPerMinute), burstFor(requestsPerMinute)),
			perMinute: requestsPerMinute,
		}
		l.buckets[projectID] = b
	}
	l.mu.Unlock()

	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(projectID, waited)
	}
	return nil
}

// Forget drops the project's bucket, releasing its state. The next Acquire
// recreates it full.
func (l *Limiter) Forget(projectID string) {
	l.mu.Lock()
	delete(l.buckets, projectID)
	l.mu.Unlock()
}

func limitFor(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(perMinute) / 60.0)
}

func burstFor(perMinute int) int {
	if perMinute <= 0 {
		return 1
	}
	return perMinute
}
