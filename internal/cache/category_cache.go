package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CategoryCacheStats tracks cache performance metrics
type CategoryCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	mu     sync.RWMutex
}

// CategoryCache stores market classifications in Redis so unchanged
// markets are not re-classified on every refresh.
type CategoryCache struct {
	redis   *redis.Client
	ttl     time.Duration
	stats   *CategoryCacheStats
	prefix  string
	logger  logrus.FieldLogger
	metrics *metrics.Collector
}

// NewCategoryCache creates a new Redis-based category cache
func NewCategoryCache(redisClient *redis.Client, ttl time.Duration, logger logrus.FieldLogger, collector *metrics.Collector) *CategoryCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CategoryCache{
		redis:   redisClient,
		ttl:     ttl,
		stats:   &CategoryCacheStats{},
		prefix:  "category_cache:",
		logger:  logger.WithField("component", "category_cache"),
		metrics: collector,
	}
}

// GetMany returns the cached categories for the given market ids. Ids that
// are not cached are absent from the result.
func (c *CategoryCache) GetMany(ctx context.Context, marketIDs []string) map[string]string {
	found := make(map[string]string, len(marketIDs))
	if len(marketIDs) == 0 {
		return found
	}

	keys := make([]string, len(marketIDs))
	for i, id := range marketIDs {
		keys[i] = c.prefix + id
	}

	values, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.WithError(err).Warn("Redis error reading categories")
		c.record(0, int64(len(marketIDs)))
		return found
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		found[marketIDs[i]] = s
	}
	c.record(int64(len(found)), int64(len(marketIDs)-len(found)))
	return found
}

// SetMany stores categories keyed by market id.
func (c *CategoryCache) SetMany(ctx context.Context, categories map[string]string) error {
	if len(categories) == 0 {
		return nil
	}

	pipe := c.redis.TxPipeline()
	for id, category := range categories {
		pipe.Set(ctx, c.prefix+id, category, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache categories: %w", err)
	}

	c.stats.mu.Lock()
	c.stats.Sets += int64(len(categories))
	c.stats.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"count": len(categories), "ttl": c.ttl}).Debug("Cached market categories")
	return nil
}

// GetStats returns current cache statistics
func (c *CategoryCache) GetStats() CategoryCacheStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return CategoryCacheStats{
		Hits:   c.stats.Hits,
		Misses: c.stats.Misses,
		Sets:   c.stats.Sets,
	}
}

// LogStats logs current cache performance statistics
func (c *CategoryCache) LogStats() {
	stats := c.GetStats()
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}

	c.logger.WithFields(logrus.Fields{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"sets":     stats.Sets,
		"hit_rate": fmt.Sprintf("%.2f%%", hitRate),
	}).Info("Category cache stats")
}

// Clear removes all cached categories
func (c *CategoryCache) Clear(ctx context.Context) error {
	var keys []string
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("error scanning cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing cache: %w", err)
	}

	c.logger.WithField("count", len(keys)).Info("Cleared category cache entries")
	return nil
}

func (c *CategoryCache) record(hits, misses int64) {
	c.stats.mu.Lock()
	c.stats.Hits += hits
	c.stats.Misses += misses
	c.stats.mu.Unlock()
	c.metrics.ObserveCacheBatch("category", int(hits), int(misses))
}
