package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeCounterStore is an in-memory CounterStore. Setting failing simulates
// a Redis outage.
type fakeCounterStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	ttls    map[string]time.Duration
	failing bool
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		counts: make(map[string]int64),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeCounterStore) GetCounts(ctx context.Context, dailyKey, monthlyKey string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, 0, errors.New("connection refused")
	}
	return f.counts[dailyKey], f.counts[monthlyKey], nil
}

func (f *fakeCounterStore) IncrCounts(ctx context.Context, dailyKey, monthlyKey string, units int64, dailyTTL, monthlyTTL time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("connection refused")
	}
	f.counts[dailyKey] += units
	f.counts[monthlyKey] += units
	f.ttls[dailyKey] = dailyTTL
	f.ttls[monthlyKey] = monthlyTTL
	return nil
}

func fixedEngine(store CounterStore, now time.Time) *Engine {
	e := New(store)
	e.nowFunc = func() time.Time { return now }
	return e
}

// A fresh identity gets exactly the daily limit of check+record pairs
// within one UTC day, then allowed=false.
func TestDailyExhaustion(t *testing.T) {
	store := newFakeCounterStore()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	e := fixedEngine(store, now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := e.Check(ctx, "chart2csv", "1.2.3.4", 1, nil)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("check %d: not allowed, used=%d", i, res.UsedDaily)
		}
		if err := e.Record(ctx, "chart2csv", "1.2.3.4", 1); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	res, err := e.Check(ctx, "chart2csv", "1.2.3.4", 1, nil)
	if err != nil {
		t.Fatalf("final check: %v", err)
	}
	if res.Allowed {
		t.Error("4th request should be rejected")
	}
	if res.RemainingDaily != 0 {
		t.Errorf("remaining daily = %d, want 0", res.RemainingDaily)
	}
	if res.LimitDaily != 3 {
		t.Errorf("limit daily = %d, want 3", res.LimitDaily)
	}
	wantReset := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	if !res.ResetDaily.Equal(wantReset) {
		t.Errorf("reset daily = %v, want %v", res.ResetDaily, wantReset)
	}
}

func TestMonthlyCapIndependentOfDaily(t *testing.T) {
	store := newFakeCounterStore()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	e := fixedEngine(store, now)
	ctx := context.Background()

	// Pre-load the monthly window at the cap while today is untouched.
	store.counts["free:chart2csv:9.9.9.9:monthly:2026-08"] = 50

	res, err := e.Check(ctx, "chart2csv", "9.9.9.9", 1, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Error("monthly cap should reject even with daily headroom")
	}
	if res.RemainingMonthly != 0 {
		t.Errorf("remaining monthly = %d, want 0", res.RemainingMonthly)
	}
}

func TestRecordSetsTTLs(t *testing.T) {
	store := newFakeCounterStore()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	e := fixedEngine(store, now)

	if err := e.Record(context.Background(), "masker", "5.6.7.8", 1); err != nil {
		t.Fatalf("record: %v", err)
	}

	dailyKey := "free:masker:5.6.7.8:daily:2026-08-24"
	monthlyKey := "free:masker:5.6.7.8:monthly:2026-08"
	if store.ttls[dailyKey] != 48*time.Hour {
		t.Errorf("daily ttl = %v, want 48h", store.ttls[dailyKey])
	}
	if store.ttls[monthlyKey] != 35*24*time.Hour {
		t.Errorf("monthly ttl = %v, want 35d", store.ttls[monthlyKey])
	}
}

func TestProgressiveLimitsForNewAccounts(t *testing.T) {
	store := newFakeCounterStore()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	e := fixedEngine(store, now)

	young := now.Add(-2 * 24 * time.Hour)
	old := now.Add(-30 * 24 * time.Hour)

	tests := []struct {
		name        string
		product     string
		createdAt   *time.Time
		wantDaily   int64
		wantMonthly int64
	}{
		{"anonymous unreduced", "chart2csv", nil, 3, 50},
		{"young account halved", "chart2csv", &young, 1, 25},
		{"young account floor min 1", "chart2csv", &young, 1, 25},
		{"old account unreduced", "chart2csv", &old, 3, 50},
		{"young masker", "masker", &young, 50, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits, ok := e.LimitsFor(tt.product, tt.createdAt)
			if !ok {
				t.Fatalf("unknown product %s", tt.product)
			}
			if limits.Daily != tt.wantDaily || limits.Monthly != tt.wantMonthly {
				t.Errorf("limits = %+v, want {%d %d}", limits, tt.wantDaily, tt.wantMonthly)
			}
		})
	}
}

// Store outage must fail closed: both Check and Record surface
// ErrUnavailable rather than admitting unlimited traffic.
func TestFailsClosedOnStoreOutage(t *testing.T) {
	store := newFakeCounterStore()
	store.failing = true
	e := New(store)
	ctx := context.Background()

	if _, err := e.Check(ctx, "chart2csv", "1.2.3.4", 1, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Check err = %v, want ErrUnavailable", err)
	}
	if err := e.Record(ctx, "chart2csv", "1.2.3.4", 1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Record err = %v, want ErrUnavailable", err)
	}
}

func TestUnknownProduct(t *testing.T) {
	e := New(newFakeCounterStore())
	if _, err := e.Check(context.Background(), "nope", "1.2.3.4", 1, nil); err == nil {
		t.Error("expected error for unknown product")
	}
}

func TestWindowKeysRollOver(t *testing.T) {
	store := newFakeCounterStore()
	day1 := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	e := fixedEngine(store, day1)
	ctx := context.Background()

	if err := e.Record(ctx, "chart2csv", "1.2.3.4", 3); err != nil {
		t.Fatalf("record: %v", err)
	}
	res, _ := e.Check(ctx, "chart2csv", "1.2.3.4", 1, nil)
	if res.Allowed {
		t.Fatal("should be exhausted on day 1")
	}

	// Next day is also the next month: both windows reset.
	e.nowFunc = func() time.Time { return time.Date(2026, 9, 1, 0, 5, 0, 0, time.UTC) }
	res, err := e.Check(ctx, "chart2csv", "1.2.3.4", 1, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed {
		t.Error("new UTC day should start a fresh window")
	}
	if res.UsedDaily != 0 || res.UsedMonthly != 0 {
		t.Errorf("used = %d/%d, want 0/0", res.UsedDaily, res.UsedMonthly)
	}
}
