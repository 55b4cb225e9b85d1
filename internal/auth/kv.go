package auth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKV adapts a shared Redis client to the kvStore interface.
type redisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps a Redis client for use by NewService.
func NewRedisKV(rdb *redis.Client) kvStore {
	return &redisKV{rdb: rdb}
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) GetDel(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (r *redisKV) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
