// Package probe checks landing pages over HTTP.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
)

const (
	userAgent = "adguard-landing-page-probe/1.0"
	// maxBody bounds how much of a page is read when timing the load.
	maxBody = 256 << 10
)

var nowFn = time.Now

// HTTPProbe fetches landing pages and caches what it saw for a while so a
// batch touching many ads with the same final URL probes it once.
type HTTPProbe struct {
	httpClient *http.Client
	cache      map[string]*cachedResult
	cacheMu    sync.RWMutex
	cacheTTL   time.Duration
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

type cachedResult struct {
	result    models.ProbeResult
	timestamp time.Time
	ttl       time.Duration
}

func (c *cachedResult) expired() bool {
	return nowFn().Sub(c.timestamp) > c.ttl
}

// NewHTTPProbe creates a probe. A zero cacheTTL disables caching.
func NewHTTPProbe(timeout, cacheTTL time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPProbe {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &HTTPProbe{
		httpClient: &http.Client{Timeout: timeout},
		cache:      make(map[string]*cachedResult),
		cacheTTL:   cacheTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

// Check fetches rawURL, following redirects. A page that cannot be reached
// is reported through Reachable; an error means the URL could not be
// requested at all.
func (p *HTTPProbe) Check(ctx context.Context, rawURL string) (models.ProbeResult, error) {
	if p.cacheTTL > 0 {
		p.cacheMu.RLock()
		cached, ok := p.cache[rawURL]
		p.cacheMu.RUnlock()
		if ok && !cached.expired() {
			p.metrics.IncrementProbeRequests("cached")
			return cached.result, nil
		}
	}

	result, err := p.fetch(ctx, rawURL)
	if err != nil {
		return models.ProbeResult{}, err
	}

	if p.cacheTTL > 0 && result.Reachable {
		p.cacheMu.Lock()
		p.cache[rawURL] = &cachedResult{result: result, timestamp: nowFn(), ttl: p.cacheTTL}
		p.cacheMu.Unlock()
	}
	return result, nil
}

func (p *HTTPProbe) fetch(ctx context.Context, rawURL string) (models.ProbeResult, error) {
	start := time.Now()
	outcome := "reachable"
	defer func() {
		p.metrics.RecordProbeLatency(time.Since(start))
		p.metrics.IncrementProbeRequests(outcome)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		outcome = "invalid"
		return models.ProbeResult{}, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		outcome = "unreachable"
		p.logger.Info("landing page unreachable",
			zap.String("url", rawURL),
			zap.Error(err))
		return models.ProbeResult{
			Reachable: false,
			IsHTTPS:   req.URL.Scheme == "https",
			LoadTime:  time.Since(start),
		}, nil
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody)); err != nil {
		p.logger.Debug("landing page body read failed", zap.String("url", rawURL), zap.Error(err))
	}

	final := resp.Request.URL
	if resp.StatusCode >= 400 {
		outcome = "error_status"
	}
	return models.ProbeResult{
		Reachable:  true,
		HTTPStatus: resp.StatusCode,
		IsHTTPS:    final.Scheme == "https",
		LoadTime:   time.Since(start),
		FinalURL:   final.String(),
	}, nil
}

// GetCacheStats returns statistics about the cache.
func (p *HTTPProbe) GetCacheStats() map[string]interface{} {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()

	expired := 0
	for _, cached := range p.cache {
		if cached.expired() {
			expired++
		}
	}
	return map[string]interface{}{
		"total_entries":   len(p.cache),
		"expired_entries": expired,
		"active_entries":  len(p.cache) - expired,
	}
}

// CleanupExpiredCache removes expired entries from the cache.
func (p *HTTPProbe) CleanupExpiredCache() {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	for key, cached := range p.cache {
		if cached.expired() {
			delete(p.cache, key)
		}
	}
}
