package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/safar/marketplace-core/internal/models"
)

type RedisCartCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func NewRedisCartCache(client *redis.Client, ttl time.Duration) *RedisCartCache {
	return &RedisCartCache{client: client, baseTTL: ttl}
}

func (r *RedisCartCache) Get(ctx context.Context, userID int64) (*models.Cart, error) {
	data, err := r.client.Get(ctx, cartKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var cart models.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cached cart: %w", err)
	}
	return &cart, nil
}

func (r *RedisCartCache) Set(ctx context.Context, userID int64, cart *models.Cart) error {
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	// Jitter the TTL so a burst of cached carts does not expire at once.
	ttl := r.baseTTL + time.Duration(rand.Int63n(int64(r.baseTTL/10)+1))
	if err := r.client.Set(ctx, cartKey(userID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCartCache) Delete(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func cartKey(userID int64) string {
	return fmt.Sprintf("cart:%d", userID)
}
