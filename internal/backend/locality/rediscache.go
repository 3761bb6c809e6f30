package locality

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const geocodeKeyPrefix = "geocode:"

// RedisCache keeps geocoding results in redis with a fixed TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, address string) (LatLng, bool, error) {
	raw, err := c.client.Get(ctx, geocodeKeyPrefix+address).Bytes()
	if errors.Is(err, redis.Nil) {
		return LatLng{}, false, nil
	}
	if err != nil {
		return LatLng{}, false, err
	}

	var location LatLng
	if err := json.Unmarshal(raw, &location); err != nil {
		return LatLng{}, false, err
	}
	return location, true, nil
}

func (c *RedisCache) Set(ctx context.Context, address string, location LatLng) error {
	raw, err := json.Marshal(location)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, geocodeKeyPrefix+address, raw, c.ttl).Err()
}
