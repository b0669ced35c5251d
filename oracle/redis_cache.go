package oracle

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

const priceCacheKey = "solgate:price:sol-usd"

// RedisCache is the shared quote tier, so a fleet of processes shares one
// feed fetch per freshness window instead of hammering the feeds per-process.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates the shared cache tier on an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context) (Quote, bool) {
	data, err := c.client.Get(ctx, priceCacheKey).Bytes()
	if err != nil {
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, false
	}
	return q, true
}

func (c *RedisCache) Set(ctx context.Context, q Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	// Expire at the stale window; a quote older than that is useless anyway.
	c.client.Set(ctx, priceCacheKey, data, StaleTTL)
}
