// Package cache provides the derived-address cache. Derivation is pure, so
// cached entries never expire for correctness reasons; the TTL only bounds
// memory after asset parameter changes (which also change the key).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/pkg/metrics"
)

// RedisCache implements interfaces.AddressCache on Redis. Failures degrade
// to a miss: the caller re-derives, it never blocks settlement.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache builds a Redis-backed address cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Get implements interfaces.AddressCache.
func (c *RedisCache) Get(ctx context.Context, key string) (*interfaces.SubAccountAddress, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("address cache read failed", zap.String("key", key), zap.Error(err))
		}
		metrics.AddressCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	var addr interfaces.SubAccountAddress
	if err := json.Unmarshal(raw, &addr); err != nil {
		c.logger.Warn("address cache entry corrupt", zap.String("key", key), zap.Error(err))
		metrics.AddressCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.AddressCacheHits.WithLabelValues("hit").Inc()
	return &addr, true
}

// Set implements interfaces.AddressCache.
func (c *RedisCache) Set(ctx context.Context, key string, addr *interfaces.SubAccountAddress) {
	raw, err := json.Marshal(addr)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("address cache write failed", zap.String("key", key), zap.Error(err))
	}
}
