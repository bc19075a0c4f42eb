package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// ResultCache stores completed runs keyed by registry fingerprint and batch
// digest. Identical input scored with an identical rule set hits the cache.
type ResultCache struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewResultCache wraps a cache; ttl bounds how long a run stays reusable.
func NewResultCache(c domain.Cache, ttl time.Duration) *ResultCache {
	return &ResultCache{cache: c, ttl: ttl}
}

// ResultKey is the cache key for a run.
func ResultKey(fingerprint, digest string) string {
	return "run:" + fingerprint + ":" + digest
}

// Get returns the cached run or nil.
func (r *ResultCache) Get(ctx context.Context, tenantID, fingerprint, digest string) (*domain.Run, error) {
	data, err := r.cache.Get(ctx, tenantID, ResultKey(fingerprint, digest))
	if err != nil || data == nil {
		return nil, err
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode cached run: %w", err)
	}
	return &run, nil
}

// Put caches a completed run. Cancelled runs are partial and never cached.
func (r *ResultCache) Put(ctx context.Context, tenantID string, run *domain.Run) error {
	if run.Status != domain.RunCompleted {
		return nil
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	return r.cache.Set(ctx, tenantID, ResultKey(run.Report.Fingerprint, run.Digest), data, r.ttl)
}
