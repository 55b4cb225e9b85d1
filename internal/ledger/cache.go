package ledger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/circuitbreaker"
)

// balanceCacheTTL bounds staleness of the mirror. The database remains
// authoritative; the mirror only absorbs read load on /balance.
const balanceCacheTTL = time.Hour

// BalanceCache mirrors committed balances in Redis under balance:<account>.
// All access goes through a circuit breaker: when Redis flaps, reads fall
// back to the database and writes are skipped. The cache is advisory only.
type BalanceCache struct {
	rdb     *redis.Client
	breaker *circuitbreaker.Manager
}

// NewBalanceCache creates the mirror. Either argument may be nil, which
// disables the cache entirely.
func NewBalanceCache(rdb *redis.Client, breaker *circuitbreaker.Manager) *BalanceCache {
	if rdb == nil {
		return nil
	}
	return &BalanceCache{rdb: rdb, breaker: breaker}
}

func balanceKey(accountID string) string {
	return "balance:" + accountID
}

// Get returns the cached balance and whether it was present. Errors and
// open-breaker states read as misses.
func (c *BalanceCache) Get(ctx context.Context, accountID string) (decimal.Decimal, bool) {
	if c == nil {
		return decimal.Zero, false
	}
	val, err := c.execute(func() (interface{}, error) {
		return c.rdb.Get(ctx, balanceKey(accountID)).Result()
	})
	if err != nil {
		return decimal.Zero, false
	}
	parsed, err := decimal.NewFromString(val.(string))
	if err != nil {
		// Corrupt entry: drop it and fall back to the database.
		c.Invalidate(ctx, accountID)
		return decimal.Zero, false
	}
	return parsed, true
}

// Set writes the balance mirror. Failures are logged and swallowed.
func (c *BalanceCache) Set(ctx context.Context, accountID string, balance decimal.Decimal) {
	if c == nil {
		return
	}
	_, err := c.execute(func() (interface{}, error) {
		return nil, c.rdb.Set(ctx, balanceKey(accountID), balance.String(), balanceCacheTTL).Err()
	})
	if err != nil {
		log.Debug().Err(err).Str("account_id", accountID).Msg("ledger.balance_cache_set_failed")
	}
}

// Invalidate removes the mirror entry.
func (c *BalanceCache) Invalidate(ctx context.Context, accountID string) {
	if c == nil {
		return
	}
	_, _ = c.execute(func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, balanceKey(accountID)).Err()
	})
}

func (c *BalanceCache) execute(fn func() (interface{}, error)) (interface{}, error) {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(circuitbreaker.ServiceBalanceCache, fn)
}
