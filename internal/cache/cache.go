package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache memoizes derived delivery URLs so repeated download requests for the
// same asset/format pair skip URL derivation and the warm-up call.
type Cache struct {
	Redis     redis.UniversalClient
	Namespace string
}

// Create Redis-backed cache under the given namespace
func NewCache(namespace string, redisCl redis.UniversalClient) *Cache {
	return &Cache{
		Namespace: namespace,
		Redis:     redisCl,
	}
}

// GetURL returns the cached URL for an asset/format pair, or "" on miss.
func (c *Cache) GetURL(ctx context.Context, assetID, format string) string {
	val, err := c.Redis.Get(ctx, c.urlKey(assetID, format)).Result()
	if err != nil {
		return ""
	}
	return val
}

// StoreURL caches a derived URL with a TTL in seconds.
func (c *Cache) StoreURL(ctx context.Context, assetID, format, url string, ttl int) error {
	dur, err := time.ParseDuration(strconv.Itoa(ttl) + "s")
	if err != nil {
		return err
	}

	return c.Redis.Set(ctx, c.urlKey(assetID, format), url, dur).Err()
}

func (c *Cache) Flush(ctx context.Context) error {
	keys := c.Redis.Keys(ctx, c.Namespace+":*")
	//using pipeline to delete keys efficiently
	pl := c.Redis.Pipeline()

	for _, key := range keys.Val() {
		pl.Del(ctx, key)
	}

	_, err := pl.Exec(ctx)
	return err
}

// Remove drops the cached URL for one asset/format pair.
func (c *Cache) Remove(ctx context.Context, assetID, format string) error {
	return c.Redis.Del(ctx, c.urlKey(assetID, format)).Err()
}

func (c *Cache) urlKey(assetID, format string) string {
	return c.Namespace + ":" + assetID + ":" + format
}
