package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cryo-specimen-server/internal/domain"
)

const (
	locationKeyPrefix  = "cryo:locations:"
	defaultLocationTTL = 5 * time.Minute
)

// CacheClient wraps a Redis client with caching for location responses of the remote backend
type CacheClient struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewCacheClient creates a new cache client
func NewCacheClient(config domain.CacheConfig) (*CacheClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewCacheClientFromRedis(client, config.DefaultTTL), nil
}

// NewCacheClientFromRedis wraps an existing connection
func NewCacheClientFromRedis(client *redis.Client, ttl time.Duration) *CacheClient {
	if ttl <= 0 {
		ttl = defaultLocationTTL
	}
	return &CacheClient{redis: client, defaultTTL: ttl}
}

// Redis exposes the underlying connection so the slot locker can share it
func (c *CacheClient) Redis() *redis.Client {
	return c.redis
}

// cachedLocations represents cached location nodes with metadata
type cachedLocations struct {
	Nodes     []*domain.CryoLocationNode `json:"nodes"`
	CachedAt  time.Time                  `json:"cached_at"`
	ExpiresAt time.Time                  `json:"expires_at"`
}

// GetLocations returns the cached nodes stored under key
func (c *CacheClient) GetLocations(ctx context.Context, key string) ([]*domain.CryoLocationNode, bool, error) {
	key = locationKeyPrefix + key

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get location cache: %w", err)
	}

	var cached cachedLocations
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	return cached.Nodes, true, nil
}

// SetLocations caches nodes under key; a zero ttl uses the default
func (c *CacheClient) SetLocations(ctx context.Context, key string, nodes []*domain.CryoLocationNode, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	cached := cachedLocations{
		Nodes:     nodes,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal location data: %w", err)
	}

	return c.redis.Set(ctx, locationKeyPrefix+key, data, ttl).Err()
}

// InvalidateLocations drops every cached location response
func (c *CacheClient) InvalidateLocations(ctx context.Context) error {
	return c.InvalidatePattern(ctx, locationKeyPrefix+"*")
}

// InvalidatePattern removes all keys matching pattern
func (c *CacheClient) InvalidatePattern(ctx context.Context, pattern string) error {
	var keys []string
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}

	if len(keys) == 0 {
		return nil
	}

	return c.redis.Del(ctx, keys...).Err()
}

// Ping tests the Redis connection
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.redis.Close()
}

func rootsCacheKey() string {
	return "roots"
}

func childrenCacheKey(parentID string) string {
	return "children:" + parentID
}

func nodeCacheKey(id string) string {
	return "node:" + id
}
