package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/adguard/internal/observability"
)

// TenantLimiter manages one token bucket per tenant, created lazily on
// first access.
type TenantLimiter struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	config  Config
	metrics observability.MetricsRegistry
}

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int  // Token bucket capacity (burst allowance)
	RefillRate int  // Tokens added per second (sustained rate)
	Enabled    bool // Whether rate limiting is active
}

func NewTenantLimiter(config Config, metrics observability.MetricsRegistry) *TenantLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &TenantLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
	}
}

func (l *TenantLimiter) bucket(tenantID string) *TokenBucket {
	l.mu.RLock()
	bucket, exists := l.buckets[tenantID]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, exists = l.buckets[tenantID]; !exists {
		bucket = NewTokenBucket(l.config.Capacity, l.config.RefillRate)
		l.buckets[tenantID] = bucket
	}
	return bucket
}

// Allow reports whether a call for tenantID may proceed now. It always
// returns true when rate limiting is disabled.
func (l *TenantLimiter) Allow(tenantID string) bool {
	if !l.config.Enabled {
		return true
	}
	l.metrics.IncrementRateLimitRequests(tenantID)
	allowed := l.bucket(tenantID).Allow()
	if !allowed {
		l.metrics.IncrementRateLimitHits(tenantID)
	}
	return allowed
}

// Wait blocks until a token for tenantID is available or ctx is done.
func (l *TenantLimiter) Wait(ctx context.Context, tenantID string) error {
	if !l.config.Enabled {
		return nil
	}
	l.metrics.IncrementRateLimitRequests(tenantID)
	b := l.bucket(tenantID)
	limited := false
	for {
		ok, wait := b.take()
		if ok {
			return nil
		}
		if !limited {
			limited = true
			l.metrics.IncrementRateLimitHits(tenantID)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait for tenant %s: %w", tenantID, ctx.Err())
		case <-timer.C:
		}
	}
}

// GetStats returns rate limiting statistics for all tenants.
func (l *TenantLimiter) GetStats() map[string]RateLimitStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]RateLimitStats)
	for tenantID, bucket := range l.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[tenantID] = RateLimitStats{
			TenantID: tenantID,
			Hits:     hits,
			Total:    total,
			HitRate:  hitRate,
		}
	}
	return stats
}

// RateLimitStats contains statistics about rate limiting for a single tenant.
type RateLimitStats struct {
	TenantID string  `json:"tenantId"`
	Hits     int64   `json:"hits"`
	Total    int64   `json:"total"`
	HitRate  float64 `json:"hitRate"`
}
