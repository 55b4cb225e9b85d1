package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore implements CounterStore on Redis.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore wraps a shared Redis client.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

// GetCounts reads both windows with one MGET. Missing keys read as zero.
func (s *RedisCounterStore) GetCounts(ctx context.Context, dailyKey, monthlyKey string) (int64, int64, error) {
	vals, err := s.rdb.MGet(ctx, dailyKey, monthlyKey).Result()
	if err != nil {
		return 0, 0, err
	}
	return parseCount(vals[0]), parseCount(vals[1]), nil
}

// IncrCounts increments both windows and refreshes TTLs in one pipelined
// round trip. The TTL refresh on every increment is harmless: the daily key
// is date-scoped, so the window still closes at the UTC boundary.
func (s *RedisCounterStore) IncrCounts(ctx context.Context, dailyKey, monthlyKey string, units int64, dailyTTL, monthlyTTL time.Duration) error {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrBy(ctx, dailyKey, units)
		pipe.Expire(ctx, dailyKey, dailyTTL)
		pipe.IncrBy(ctx, monthlyKey, units)
		pipe.Expire(ctx, monthlyKey, monthlyTTL)
		return nil
	})
	return err
}

func parseCount(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
