package cvr

import (
	"context"
	"log/slog"
	"time"

	"github.com/viewsyncd/viewsyncer/internal/cache"
	"github.com/viewsyncd/viewsyncer/internal/metrics"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

// CachedStore wraps a Store with a Redis-backed read-through cache for
// Load, which a viewsyncer.Service calls once each time its run loop starts;
// the cached snapshot is invalidated by every Flush. Flush and catch-up scans
// always go straight to the underlying store: they either mutate state or
// must stream results too large to cache wholesale.
type CachedStore struct {
	inner   Store
	cache   cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.CacheMetrics
}

// NewCachedStore wraps inner with a cache-aside Load path.
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration, logger *slog.Logger, m *metrics.CacheMetrics) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{inner: inner, cache: c, ttl: ttl, logger: logger, metrics: m}
}

func (s *CachedStore) cacheKey(clientGroupID string) string {
	return "cvr:snapshot:" + clientGroupID
}

// Load serves from cache when present and falls through to the underlying
// store on a miss or cache error, always repopulating the cache afterward.
func (s *CachedStore) Load(ctx context.Context, clientGroupID string) (*CVR, error) {
	var cached CVR
	if err := s.cache.Get(ctx, s.cacheKey(clientGroupID), &cached); err == nil {
		s.recordHit()
		return &cached, nil
	} else if !cache.IsNotFound(err) {
		s.logger.Warn("cvr cache read failed, falling back to store", "group_id", clientGroupID, "error", err)
	}
	s.recordMiss()

	snapshot, err := s.inner.Load(ctx, clientGroupID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, s.cacheKey(clientGroupID), snapshot, s.ttl); err != nil {
		s.recordError("set")
		s.logger.Warn("cvr cache write failed", "group_id", clientGroupID, "error", err)
	}

	return snapshot, nil
}

// CatchupRowPatches passes straight through: result sets can be arbitrarily
// large and must stream.
func (s *CachedStore) CatchupRowPatches(ctx context.Context, clientGroupID string, from, to version.Version, exclude map[string]struct{}) (RowPatchIterator, error) {
	return s.inner.CatchupRowPatches(ctx, clientGroupID, from, to, exclude)
}

// CatchupConfigPatches passes straight through.
func (s *CachedStore) CatchupConfigPatches(ctx context.Context, clientGroupID string, from, to version.Version) ([]ConfigPatch, error) {
	return s.inner.CatchupConfigPatches(ctx, clientGroupID, from, to)
}

// Flush writes through to the underlying store and invalidates the cached
// snapshot; the next Load repopulates it from the authoritative result.
func (s *CachedStore) Flush(ctx context.Context, base *CVR, newVersion version.Version, patches Patches) (*CVR, error) {
	next, err := s.inner.Flush(ctx, base, newVersion, patches)
	if err != nil {
		return nil, err
	}
	if delErr := s.cache.Delete(ctx, s.cacheKey(base.ID)); delErr != nil && !cache.IsNotFound(delErr) {
		s.logger.Warn("cvr cache invalidation failed", "group_id", base.ID, "error", delErr)
	}
	return next, nil
}

func (s *CachedStore) recordHit() {
	if s.metrics != nil {
		s.metrics.HitsTotal.WithLabelValues("cvr_snapshot").Inc()
	}
}

func (s *CachedStore) recordMiss() {
	if s.metrics != nil {
		s.metrics.MissesTotal.WithLabelValues("cvr_snapshot").Inc()
	}
}

func (s *CachedStore) recordError(code string) {
	if s.metrics != nil {
		s.metrics.ErrorsTotal.WithLabelValues("cvr_snapshot", code).Inc()
	}
}
