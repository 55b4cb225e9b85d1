package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/auth"
	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/credits"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/quota"
)

// fakeCounters is an in-memory quota.CounterStore.
type fakeCounters struct {
	mu      sync.Mutex
	counts  map[string]int64
	failing bool
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counts: make(map[string]int64)}
}

func (f *fakeCounters) GetCounts(_ context.Context, dailyKey, monthlyKey string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, 0, fmt.Errorf("connection refused")
	}
	return f.counts[dailyKey], f.counts[monthlyKey], nil
}

func (f *fakeCounters) IncrCounts(_ context.Context, dailyKey, monthlyKey string, units int64, _, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return fmt.Errorf("connection refused")
	}
	f.counts[dailyKey] += units
	f.counts[monthlyKey] += units
	return nil
}

type testEnv struct {
	store    *ledger.MemoryStore
	counters *fakeCounters
	auth     *auth.Service
	pipeline *Pipeline
	router   chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := ledger.NewMemoryStore()
	counters := newFakeCounters()
	authSvc := auth.NewService(store, nil, config.AuthConfig{
		ServerSecret: "0123456789abcdef0123456789abcdef",
		APIKeyPrefix: "kiku",
	}, "https://kikuai.dev", nil, nil)

	env := &testEnv{
		store:    store,
		counters: counters,
		auth:     authSvc,
		router:   chi.NewRouter(),
	}
	env.pipeline = New(ledger.NewService(store, nil, nil), quota.New(counters), authSvc, nil, "https://kikuai.dev/topup")
	return env
}

func (e *testEnv) mount(t *testing.T, productID, mountPath string, upstream *httptest.Server, opts ...func(*Route)) {
	t.Helper()
	product, ok := credits.ProductByID(productID)
	if !ok {
		t.Fatalf("unknown product %q", productID)
	}
	route := Route{
		Product:  product,
		Upstream: NewUpstream(productID, config.Upstream{BaseURL: upstream.URL}),
	}
	for _, opt := range opts {
		opt(&route)
	}
	e.router.Post(mountPath+"/*", e.pipeline.Handler(route))
}

func (e *testEnv) fundedKey(t *testing.T, balance string) (accountID, rawKey string) {
	t.Helper()
	ctx := context.Background()
	account, err := e.store.GetOrCreateAccountByEmail(ctx, t.Name()+"@example.com")
	if err != nil {
		t.Fatal(err)
	}
	e.store.SetBalance(account.ID, decimal.RequireFromString(balance))
	created, err := e.auth.CreateAPIKey(ctx, account.ID, "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	return account.ID, created.Secret
}

func jsonUpstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(router chi.Router, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "1.2.3.4:5678"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code string, details map[string]any) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, rec.Body.String())
	}
	return envelope.Error.Code, envelope.Error.Details
}

func TestInsufficientCreditsRejects402(t *testing.T) {
	env := newTestEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream called for a rejected request")
	}))
	t.Cleanup(upstream.Close)
	env.mount(t, "chart2csv", "/chart2csv", upstream)

	accountID, key := env.fundedKey(t, "0.04")

	rec := do(env.router, http.MethodPost, "/chart2csv/extract", `{}`, map[string]string{auth.HeaderAPIKey: key})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 (body %s)", rec.Code, rec.Body.String())
	}
	code, details := decodeError(t, rec)
	if code != "INSUFFICIENT_CREDITS" {
		t.Errorf("code = %s", code)
	}
	if details["balance_credits"] != float64(40) || details["required_credits"] != float64(50) {
		t.Errorf("details = %v", details)
	}
	if details["topup_url"] == "" {
		t.Error("missing topup_url")
	}

	balance, _ := env.store.Balance(context.Background(), accountID)
	if !balance.Equal(decimal.RequireFromString("0.04")) {
		t.Errorf("balance mutated to %s", balance)
	}
}

func TestSuccessfulMeteredCall(t *testing.T) {
	env := newTestEnv(t)
	env.mount(t, "masker", "/masker", jsonUpstream(t, http.StatusOK, `{"redacted":"[NAME] lives here"}`))

	accountID, key := env.fundedKey(t, "10.00")

	rec := do(env.router, http.MethodPost, "/masker/redact", `{"text":"Bob lives here"}`, map[string]string{auth.HeaderAPIKey: key})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCreditsUsed); got != "1" {
		t.Errorf("%s = %q, want 1", HeaderCreditsUsed, got)
	}
	if got := rec.Header().Get(HeaderCreditsBalance); got != "9999" {
		t.Errorf("%s = %q, want 9999", HeaderCreditsBalance, got)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	billing, _ := body["billing"].(map[string]any)
	if billing["credits_used"] != float64(1) || billing["credits_remaining"] != float64(9999) {
		t.Errorf("billing = %v", billing)
	}
	if body["redacted"] != "[NAME] lives here" {
		t.Errorf("upstream payload lost: %v", body)
	}

	txs, _ := env.store.ListTransactions(context.Background(), accountID, 10)
	if len(txs) != 1 || txs[0].Type != ledger.TxUsage || !txs[0].AmountUSD.Equal(decimal.RequireFromString("-0.001")) {
		t.Errorf("transactions = %+v", txs)
	}
	if n := len(env.store.UsageLogs()); n != 1 {
		t.Errorf("usage logs = %d, want 1", n)
	}
}

func TestFreeTierExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.mount(t, "chart2csv", "/chart2csv", jsonUpstream(t, http.StatusOK, `{"csv":"a,b"}`))

	// Three anonymous extractions pass and annotate free_tier.
	for i := 1; i <= 3; i++ {
		rec := do(env.router, http.MethodPost, "/chart2csv/extract", `{}`, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d (body %s)", i, rec.Code, rec.Body.String())
		}
		var body map[string]any
		json.Unmarshal(rec.Body.Bytes(), &body)
		free, _ := body["free_tier"].(map[string]any)
		if free["used_today"] != float64(i) || free["limit_today"] != float64(3) {
			t.Errorf("call %d free_tier = %v", i, free)
		}
	}

	// The fourth is rejected with the daily window.
	rec := do(env.router, http.MethodPost, "/chart2csv/extract", `{}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	code, details := decodeError(t, rec)
	if code != "FREE_LIMIT_EXCEEDED" {
		t.Errorf("code = %s", code)
	}
	if details["remaining_daily"] != float64(0) || details["limit_daily"] != float64(3) {
		t.Errorf("details = %v", details)
	}
	if details["resets_at"] == nil {
		t.Error("missing resets_at")
	}
}

func TestQuotaOutageFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.mount(t, "masker", "/masker", jsonUpstream(t, http.StatusOK, `{}`))
	env.counters.failing = true

	rec := do(env.router, http.MethodPost, "/masker/redact", `{}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	code, _ := decodeError(t, rec)
	if code != "QUOTA_UNAVAILABLE" {
		t.Errorf("code = %s", code)
	}
}

func TestUpstreamFailureMapsTo503WithoutDebit(t *testing.T) {
	env := newTestEnv(t)
	env.mount(t, "masker", "/masker", jsonUpstream(t, http.StatusBadGateway, `oops`))

	accountID, key := env.fundedKey(t, "10.00")

	rec := do(env.router, http.MethodPost, "/masker/redact", `{}`, map[string]string{auth.HeaderAPIKey: key})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	code, _ := decodeError(t, rec)
	if code != "SERVICE_UNAVAILABLE" {
		t.Errorf("code = %s", code)
	}

	balance, _ := env.store.Balance(context.Background(), accountID)
	if !balance.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("balance = %s after failed upstream", balance)
	}
}

func TestUpstreamClientErrorPassesThroughUnbilled(t *testing.T) {
	env := newTestEnv(t)
	env.mount(t, "masker", "/masker", jsonUpstream(t, http.StatusUnprocessableEntity, `{"detail":"text required"}`))

	accountID, key := env.fundedKey(t, "10.00")

	rec := do(env.router, http.MethodPost, "/masker/redact", `{}`, map[string]string{auth.HeaderAPIKey: key})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 passthrough", rec.Code)
	}
	balance, _ := env.store.Balance(context.Background(), accountID)
	if !balance.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("balance = %s after rejected upstream call", balance)
	}
}

func TestInvalidAPIKeyContinuesAnonymously(t *testing.T) {
	env := newTestEnv(t)
	env.mount(t, "masker", "/masker", jsonUpstream(t, http.StatusOK, `{"ok":true}`))

	rec := do(env.router, http.MethodPost, "/masker/redact", `{}`, map[string]string{auth.HeaderAPIKey: "kikudeadbeef_notavalidsecret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if _, hasFree := body["free_tier"]; !hasFree {
		t.Error("invalid key was not served as anonymous")
	}
	if _, hasBilling := body["billing"]; hasBilling {
		t.Error("invalid key produced a billed response")
	}
}

func TestIdempotentRetryChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.mount(t, "masker", "/masker", jsonUpstream(t, http.StatusOK, `{"ok":true}`))

	accountID, key := env.fundedKey(t, "10.00")
	headers := map[string]string{
		auth.HeaderAPIKey:    key,
		HeaderIdempotencyKey: "client-retry-1",
	}

	for i := 0; i < 2; i++ {
		rec := do(env.router, http.MethodPost, "/masker/redact", `{}`, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d status = %d", i, rec.Code)
		}
		if got := rec.Header().Get(HeaderCreditsBalance); got != "9999" {
			t.Errorf("attempt %d balance header = %s, want 9999", i, got)
		}
	}

	txs, _ := env.store.ListTransactions(context.Background(), accountID, 10)
	if len(txs) != 1 {
		t.Errorf("transactions = %d, want 1", len(txs))
	}
}

func TestVariableCostUsesReportedCost(t *testing.T) {
	env := newTestEnv(t)
	env.mount(t, "reliapi", "/proxy", jsonUpstream(t, http.StatusOK,
		`{"choices":[],"meta":{"cost_usd":"0.0123"}}`),
		func(r *Route) { r.VariableCost = true })

	accountID, key := env.fundedKey(t, "1.00")

	rec := do(env.router, http.MethodPost, "/proxy/llm", `{"prompt":"hi"}`, map[string]string{auth.HeaderAPIKey: key})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCreditsUsed); got != "12.3" {
		t.Errorf("%s = %q, want 12.3", HeaderCreditsUsed, got)
	}

	txs, _ := env.store.ListTransactions(context.Background(), accountID, 10)
	if len(txs) != 1 || !txs[0].AmountUSD.Equal(decimal.RequireFromString("-0.0123")) {
		t.Errorf("transactions = %+v", txs)
	}
	logs := env.store.UsageLogs()
	if len(logs) != 1 {
		t.Fatalf("usage logs = %d", len(logs))
	}
	if logs[0].Metadata["reported_cost_usd"] != "0.0123" {
		t.Errorf("metadata = %v", logs[0].Metadata)
	}
}

func TestMessageBatchUnits(t *testing.T) {
	many := `{"messages":[` + strings.Repeat(`{},`, 249) + `{}]}`
	tests := []struct {
		name string
		body string
		want int64
	}{
		{"empty body", ``, 1},
		{"no messages", `{"messages":[]}`, 1},
		{"one message", `{"messages":[{}]}`, 1},
		{"exactly one block", `{"messages":[` + strings.Repeat(`{},`, 99) + `{}]}`, 1},
		{"partial second block", `{"messages":[` + strings.Repeat(`{},`, 100) + `{}]}`, 2},
		{"250 messages", many, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageBatchUnits([]byte(tt.body)); !got.Equal(decimal.NewFromInt(tt.want)) {
				t.Errorf("units = %s, want %d", got, tt.want)
			}
		})
	}
}
