package mint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	key := cacheKey("POST", "/v1/swap", []byte(`{"inputs":[]}`))
	require.Equal(t, key, cacheKey("POST", "/v1/swap", []byte(`{"inputs":[]}`)))
	require.NotEqual(t, key, cacheKey("POST", "/v1/swap", []byte(`{"inputs":[1]}`)))
	require.NotEqual(t, key, cacheKey("POST", "/v1/melt/bolt11", []byte(`{"inputs":[]}`)))
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(50*time.Millisecond, 10)

	_, ok, err := cache.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "key", []byte("response")))
	response, ok, err := cache.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("response"), response)

	time.Sleep(100 * time.Millisecond)
	_, ok, err = cache.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryCacheBounded(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(time.Hour, 3)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key%d", i)
		require.NoError(t, cache.Set(ctx, key, []byte(key)))
	}
	require.Equal(t, 3, cache.Len())

	// oldest responses are evicted first
	for _, key := range []string{"key0", "key1"} {
		_, ok, err := cache.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, ok)
	}
	response, ok, err := cache.Get(ctx, "key4")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("key4"), response)
}

func TestMemoryCacheSweepsExpired(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(50*time.Millisecond, 100)

	for i := 0; i < 20; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("key%d", i), []byte("response")))
	}
	require.Equal(t, 20, cache.Len())

	// expired responses are removed without further calls to Set
	require.Eventually(t, func() bool {
		return cache.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := NewRedisCache(client, time.Minute)

	_, ok, err := cache.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "key", []byte("response")))
	response, ok, err := cache.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("response"), response)
	require.Equal(t, time.Minute, server.TTL("key"))

	server.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, ok)

	server.Close()
	_, _, err = cache.Get(ctx, "key")
	require.Error(t, err)
}

func TestNewResponseCache(t *testing.T) {
	cache, err := newResponseCache(CacheConfig{})
	require.NoError(t, err)
	require.IsType(t, &MemoryCache{}, cache)

	server := miniredis.RunT(t)
	cache, err = newResponseCache(CacheConfig{RedisAddr: server.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	require.IsType(t, &RedisCache{}, cache)

	server.Close()
	_, err = newResponseCache(CacheConfig{RedisAddr: server.Addr()})
	require.Error(t, err)
}
