package mint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ResponseCache stores the responses of successful requests that change
// state (mint, swap, melt) so that a client retrying the same request
// gets the same response back.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, response []byte) error
}

func cacheKey(method, path string, body []byte) string {
	hash := sha256.Sum256(body)
	return fmt.Sprintf("lnmint:response:%s:%s:%s", method, path, hex.EncodeToString(hash[:]))
}

// MemoryCache holds at most maxEntries responses. Once full the oldest
// response is evicted, and expired ones are dropped in the background.
type MemoryCache struct {
	responses *expirable.LRU[string, []byte]
}

func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &MemoryCache{responses: expirable.NewLRU[string, []byte](maxEntries, nil, ttl)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	response, ok := c.responses.Get(key)
	return response, ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, response []byte) error {
	c.responses.Add(key, response)
	return nil
}

// Len is the number of cached responses, expired ones included until swept.
func (c *MemoryCache) Len() int {
	return c.responses.Len()
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	response, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get response from redis: %w", err)
	}
	return response, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, response []byte) error {
	if err := c.client.Set(ctx, key, response, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save response to redis: %w", err)
	}
	return nil
}

// newResponseCache returns a redis backed cache if an address is set
// and an in-memory one otherwise.
func newResponseCache(config CacheConfig) (ResponseCache, error) {
	ttl := config.TTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}

	if len(config.RedisAddr) == 0 {
		return NewMemoryCache(ttl, config.MaxEntries), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: config.RedisAddr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return NewRedisCache(client, ttl), nil
}
