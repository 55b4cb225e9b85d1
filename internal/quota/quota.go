// Package quota implements the free-tier admission engine: dual-window
// (daily and monthly) counters per (product, identity), with progressive
// limits for new accounts. State lives entirely in Redis; if Redis is
// unreachable the engine fails closed.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when the counter store cannot be reached.
// Callers must reject anonymous requests in that case; serving unlimited
// free quota during an outage is not acceptable.
var ErrUnavailable = errors.New("quota: counter store unavailable")

// Window TTLs. Daily keys are date-scoped so the TTL only needs to outlive
// the window; 48h covers clock skew across the UTC boundary. Monthly keys
// live slightly past the longest month.
const (
	dailyTTL   = 48 * time.Hour
	monthlyTTL = 35 * 24 * time.Hour
)

// Progressive limits: accounts younger than this get both limits halved
// (floor, minimum 1). Anonymous identities are never reduced.
const (
	newAccountAge        = 7 * 24 * time.Hour
	newAccountMultiplier = 0.5
)

// Limits is the free-tier allowance for one product.
type Limits struct {
	Daily   int64
	Monthly int64
}

// BaselineLimits returns the default per-product allowances.
func BaselineLimits() map[string]Limits {
	return map[string]Limits{
		"chart2csv": {Daily: 3, Monthly: 50},
		"masker":    {Daily: 100, Monthly: 2000},
		"patas":     {Daily: 100, Monthly: 10000},
		"reliapi":   {Daily: 1000, Monthly: 10000},
	}
}

// CheckResult reports the admission decision plus everything a client needs
// to render remaining quota.
type CheckResult struct {
	Allowed          bool
	UsedDaily        int64
	UsedMonthly      int64
	LimitDaily       int64
	LimitMonthly     int64
	RemainingDaily   int64
	RemainingMonthly int64
	ResetDaily       time.Time
	ResetMonthly     time.Time
}

// CounterStore is the persistence boundary for the two windows. The Redis
// implementation is in store.go; tests use an in-memory fake.
type CounterStore interface {
	// GetCounts reads both counters; missing keys read as zero.
	GetCounts(ctx context.Context, dailyKey, monthlyKey string) (daily, monthly int64, err error)
	// IncrCounts increments both counters by units and (re)sets TTLs, in
	// one round trip.
	IncrCounts(ctx context.Context, dailyKey, monthlyKey string, units int64, dailyTTL, monthlyTTL time.Duration) error
}

// Engine owns free-tier accounting for all products.
type Engine struct {
	store  CounterStore
	limits map[string]Limits

	// nowFunc is replaceable in tests.
	nowFunc func() time.Time
}

// New creates the engine with baseline limits.
func New(store CounterStore) *Engine {
	return &Engine{
		store:   store,
		limits:  BaselineLimits(),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Check reads both counters and reports whether units more calls are
// admissible. It is side-effect-free; Record is the mutation.
// accountCreatedAt is nil for anonymous identities.
func (e *Engine) Check(ctx context.Context, product, identity string, units int64, accountCreatedAt *time.Time) (*CheckResult, error) {
	limits, ok := e.LimitsFor(product, accountCreatedAt)
	if !ok {
		return nil, fmt.Errorf("quota: unknown product %q", product)
	}

	now := e.nowFunc()
	daily, monthly, err := e.store.GetCounts(ctx, e.dailyKey(product, identity, now), e.monthlyKey(product, identity, now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	res := &CheckResult{
		Allowed:      daily+units <= limits.Daily && monthly+units <= limits.Monthly,
		UsedDaily:    daily,
		UsedMonthly:  monthly,
		LimitDaily:   limits.Daily,
		LimitMonthly: limits.Monthly,
		ResetDaily:   nextUTCMidnight(now),
		ResetMonthly: nextUTCMonth(now),
	}
	res.RemainingDaily = max64(0, limits.Daily-daily)
	res.RemainingMonthly = max64(0, limits.Monthly-monthly)
	return res, nil
}

// Record increments both windows. Called only after the upstream call
// succeeded, so failures never consume quota.
func (e *Engine) Record(ctx context.Context, product, identity string, units int64) error {
	now := e.nowFunc()
	err := e.store.IncrCounts(ctx,
		e.dailyKey(product, identity, now),
		e.monthlyKey(product, identity, now),
		units, dailyTTL, monthlyTTL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LimitsFor resolves the effective limits for an identity, applying the
// progressive reduction for young accounts.
func (e *Engine) LimitsFor(product string, accountCreatedAt *time.Time) (Limits, bool) {
	limits, ok := e.limits[product]
	if !ok {
		return Limits{}, false
	}
	if accountCreatedAt != nil && e.nowFunc().Sub(*accountCreatedAt) < newAccountAge {
		limits.Daily = reduce(limits.Daily)
		limits.Monthly = reduce(limits.Monthly)
	}
	return limits, true
}

func reduce(limit int64) int64 {
	reduced := int64(float64(limit) * newAccountMultiplier)
	if reduced < 1 {
		return 1
	}
	return reduced
}

func (e *Engine) dailyKey(product, identity string, now time.Time) string {
	return fmt.Sprintf("free:%s:%s:daily:%s", product, identity, now.UTC().Format("2006-01-02"))
}

func (e *Engine) monthlyKey(product, identity string, now time.Time) string {
	return fmt.Sprintf("free:%s:%s:monthly:%s", product, identity, now.UTC().Format("2006-01"))
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func nextUTCMonth(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
