package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	graphKey    = "graph:snapshot"
	resolvedKey = "backtest:resolved_markets"
)

// jsonStore keeps JSON encoded values under fixed keys with a TTL.
type jsonStore struct {
	redis   *redis.Client
	ttl     time.Duration
	name    string
	metrics *metrics.Collector
}

func (s jsonStore) load(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.metrics.ObserveCache(s.name, false)
		return false, nil
	}
	if err != nil {
		s.metrics.ObserveCache(s.name, false)
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		s.metrics.ObserveCache(s.name, false)
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	s.metrics.ObserveCache(s.name, true)
	return true, nil
}

func (s jsonStore) store(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.redis.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GraphCache holds the last published graph so reads skip Postgres.
type GraphCache struct {
	store jsonStore
}

// NewGraphCache creates a graph snapshot cache. A zero ttl keeps the
// snapshot until it is replaced.
func NewGraphCache(redisClient *redis.Client, ttl time.Duration, collector *metrics.Collector) *GraphCache {
	return &GraphCache{store: jsonStore{redis: redisClient, ttl: ttl, name: "graph", metrics: collector}}
}

// Store replaces the snapshot.
func (c *GraphCache) Store(ctx context.Context, graph models.Graph) error {
	return c.store.store(ctx, graphKey, graph)
}

// Load returns the snapshot, or found=false when none is cached.
func (c *GraphCache) Load(ctx context.Context) (*models.Graph, bool, error) {
	var graph models.Graph
	found, err := c.store.load(ctx, graphKey, &graph)
	if !found || err != nil {
		return nil, false, err
	}
	return &graph, true, nil
}

// Invalidate drops the snapshot.
func (c *GraphCache) Invalidate(ctx context.Context) error {
	return c.store.redis.Del(ctx, graphKey).Err()
}

// ResolvedMarketCache holds the resolved market list used by backtest search.
type ResolvedMarketCache struct {
	store jsonStore
}

// NewResolvedMarketCache creates the resolved market cache.
func NewResolvedMarketCache(redisClient *redis.Client, ttl time.Duration, collector *metrics.Collector) *ResolvedMarketCache {
	return &ResolvedMarketCache{store: jsonStore{redis: redisClient, ttl: ttl, name: "resolved", metrics: collector}}
}

// Store replaces the cached list.
func (c *ResolvedMarketCache) Store(ctx context.Context, markets []models.ResolvedMarket) error {
	return c.store.store(ctx, resolvedKey, markets)
}

// Load returns the cached list, or found=false after expiry.
func (c *ResolvedMarketCache) Load(ctx context.Context) ([]models.ResolvedMarket, bool, error) {
	var markets []models.ResolvedMarket
	found, err := c.store.load(ctx, resolvedKey, &markets)
	if !found || err != nil {
		return nil, false, err
	}
	return markets, true, nil
}
