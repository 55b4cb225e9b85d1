package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/auth"
	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/payments"
	"github.com/KikuAI/gateway/internal/quota"
)

// memoryKV is the in-process stand-in for Redis.
type memoryKV struct {
	mu    sync.Mutex
	items map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{items: make(map[string]string)}
}

func (m *memoryKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memoryKV) GetDel(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.items[key]
	delete(m.items, key)
	return v, nil
}

func (m *memoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

type captureSender struct {
	mu    sync.Mutex
	to    string
	links []string
}

func (c *captureSender) SendMagicLink(_ context.Context, to, link string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = to
	c.links = append(c.links, link)
	return nil
}

type memoryCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memoryCounters) GetCounts(_ context.Context, dailyKey, monthlyKey string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[dailyKey], m.counts[monthlyKey], nil
}

func (m *memoryCounters) IncrCounts(_ context.Context, dailyKey, monthlyKey string, units int64, _, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[dailyKey] += units
	m.counts[monthlyKey] += units
	return nil
}

// fakeProvider accepts every webhook and settles whatever the body says.
type fakeProvider struct{}

func (fakeProvider) Name() string { return "fakepay" }

func (fakeProvider) CreateCheckout(_ context.Context, req payments.CheckoutRequest) (*payments.CheckoutResult, error) {
	return &payments.CheckoutResult{
		PaymentID:   "fp_" + req.AccountID[:8],
		Status:      payments.StatusPending,
		CheckoutURL: "https://pay.example.com/fp_checkout",
	}, nil
}

func (fakeProvider) VerifyWebhook(http.Header, []byte) error { return nil }

func (fakeProvider) ParseWebhook(_ context.Context, body []byte) (*payments.WebhookEvent, error) {
	var event struct {
		EventID   string `json:"event_id"`
		AccountID string `json:"account_id"`
		AmountUSD string `json:"amount_usd"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(event.AmountUSD)
	if err != nil {
		return nil, err
	}
	return &payments.WebhookEvent{
		EventID: event.EventID,
		Kind:    "payment.completed",
		Settlement: &payments.Settlement{
			AccountID:   event.AccountID,
			AmountUSD:   amount,
			Type:        ledger.TxTopup,
			Description: "fakepay topup",
		},
	}, nil
}

func (fakeProvider) GetPaymentStatus(context.Context, string) (payments.Status, error) {
	return payments.StatusCompleted, nil
}

func (fakeProvider) SuppressRetries() bool { return false }

type testServer struct {
	router chi.Router
	store  *ledger.MemoryStore
	auth   *auth.Service
	sender *captureSender
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.FrontendURL = "https://kikuai.dev"
	cfg.Payments.LowBalanceThreshold = "5.00"

	store := ledger.NewMemoryStore()
	sender := &captureSender{}
	authSvc := auth.NewService(store, newMemoryKV(), config.AuthConfig{
		ServerSecret:    "0123456789abcdef0123456789abcdef",
		APIKeyPrefix:    "kiku",
		AccessTokenTTL:  config.Duration{Duration: 15 * time.Minute},
		RefreshTokenTTL: config.Duration{Duration: 7 * 24 * time.Hour},
		MagicLinkTTL:    config.Duration{Duration: 15 * time.Minute},
	}, cfg.Server.FrontendURL, sender, nil)

	ledgerSvc := ledger.NewService(store, nil, nil)
	engine := payments.NewEngine(ledgerSvc, nil, nil, cfg.Payments)
	engine.Register(fakeProvider{})

	router := chi.NewRouter()
	ConfigureRouter(router, handlers{
		cfg:      cfg,
		auth:     authSvc,
		ledger:   ledgerSvc,
		quota:    quota.New(&memoryCounters{counts: make(map[string]int64)}),
		payments: engine,
		logger:   zerolog.Nop(),
	})

	return &testServer{router: router, store: store, auth: authSvc, sender: sender}
}

func (ts *testServer) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "1.2.3.4:5678"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return body
}

// login runs the magic-link flow and returns a bearer token plus account id.
func (ts *testServer) login(t *testing.T, email string) (token, accountID string) {
	t.Helper()

	rec := ts.do(http.MethodPost, "/api/v1/auth/magic-link", fmt.Sprintf(`{"email":%q}`, email), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("magic-link status = %d", rec.Code)
	}
	if len(ts.sender.links) == 0 {
		t.Fatal("no magic link delivered")
	}
	link, err := url.Parse(ts.sender.links[len(ts.sender.links)-1])
	if err != nil {
		t.Fatal(err)
	}
	magicToken := link.Query().Get("token")

	rec = ts.do(http.MethodPost, "/api/v1/auth/verify", fmt.Sprintf(`{"token":%q}`, magicToken), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}

	account, err := ts.store.GetOrCreateAccountByEmail(context.Background(), email)
	if err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken, account.ID
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestMagicLinkLoginAndMe(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.login(t, "User@Example.com")

	rec := ts.do(http.MethodGet, "/api/v1/auth/me", "", bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["email"] != "user@example.com" {
		t.Errorf("email = %v, want lowercased", body["email"])
	}
	if ts.sender.to != "user@example.com" {
		t.Errorf("delivery address = %s", ts.sender.to)
	}
}

func TestVerifyRejectsUnknownToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/v1/auth/verify", `{"token":"nope"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAccountRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/v1/balance", "/api/v1/usage", "/api/v1/history", "/api/v1/keys"} {
		rec := ts.do(http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, rec.Code)
		}
	}
}

func TestBalanceWithAPIKey(t *testing.T) {
	ts := newTestServer(t)
	_, accountID := ts.login(t, "key@example.com")
	ts.store.SetBalance(accountID, decimal.RequireFromString("2.50"))

	created, err := ts.auth.CreateAPIKey(context.Background(), accountID, "test", nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := ts.do(http.MethodGet, "/api/v1/balance", "", map[string]string{auth.HeaderAPIKey: created.Secret})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["balance_usd"] != "2.5" || body["balance_credits"] != float64(2500) {
		t.Errorf("balance = %v / %v", body["balance_usd"], body["balance_credits"])
	}
	if _, ok := body["free_tier"].(map[string]any); !ok {
		t.Error("missing free_tier limits")
	}
}

// /auth/me is session identity, unlocked by the access token only.
func TestMeRejectsAPIKey(t *testing.T) {
	ts := newTestServer(t)
	token, accountID := ts.login(t, "mekey@example.com")

	created, err := ts.auth.CreateAPIKey(context.Background(), accountID, "test", nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := ts.do(http.MethodGet, "/api/v1/auth/me", "", map[string]string{auth.HeaderAPIKey: created.Secret})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("api key on /auth/me: status = %d, want 401", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/api/v1/auth/me", "", bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer on /auth/me: status = %d (body %s)", rec.Code, rec.Body.String())
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token, accountID := ts.login(t, "keys@example.com")

	rec := ts.do(http.MethodPost, "/api/v1/keys", `{"label":"ci"}`, bearer(token))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d (body %s)", rec.Code, rec.Body.String())
	}
	created := decodeJSON(t, rec)
	secret, _ := created["key"].(string)
	keyID, _ := created["id"].(string)
	if secret == "" || !strings.HasPrefix(secret, "kiku") {
		t.Fatalf("secret = %q", secret)
	}

	rec = ts.do(http.MethodGet, "/api/v1/keys", "", bearer(token))
	listed := decodeJSON(t, rec)
	keys, _ := listed["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(keys))
	}
	if entry := keys[0].(map[string]any); entry["active"] != true || entry["label"] != "ci" {
		t.Errorf("entry = %v", entry)
	}
	// The stored secret never round-trips through list.
	if strings.Contains(rec.Body.String(), secret) {
		t.Error("list leaked the raw secret")
	}

	rec = ts.do(http.MethodDelete, "/api/v1/keys/"+keyID, "", bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	// Revoked key no longer authenticates.
	rec = ts.do(http.MethodGet, "/api/v1/balance", "", map[string]string{auth.HeaderAPIKey: secret})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked key status = %d, want 401", rec.Code)
	}

	var actions []string
	for _, entry := range ts.store.AuditLogs() {
		if entry.AccountID == accountID {
			actions = append(actions, entry.Action)
		}
	}
	if len(actions) != 2 || actions[0] != "CREATE_KEY" || actions[1] != "REVOKE_KEY" {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestRevokeUnknownKeyIs404(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.login(t, "missing@example.com")

	rec := ts.do(http.MethodDelete, "/api/v1/keys/does-not-exist", "", bearer(token))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPricing(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/v1/pricing", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["credits_per_usd"] != float64(1000) {
		t.Errorf("credits_per_usd = %v", body["credits_per_usd"])
	}
	products, _ := body["products"].([]any)
	if len(products) != 4 {
		t.Errorf("products = %d, want 4", len(products))
	}
	freeTier, _ := body["free_tier"].(map[string]any)
	chart, _ := freeTier["chart2csv"].(map[string]any)
	if chart["daily"] != float64(3) || chart["monthly"] != float64(50) {
		t.Errorf("chart2csv free tier = %v", chart)
	}
}

func TestPricingEstimate(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/v1/pricing/estimate",
		`{"items":[{"product":"chart2csv","count":2},{"product":"patas","count":250}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	items, _ := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	chart := items[0].(map[string]any)
	if chart["credits"] != float64(100) {
		t.Errorf("chart2csv credits = %v", chart["credits"])
	}
	// 250 messages bill three 100-message blocks.
	patas := items[1].(map[string]any)
	if patas["units"] != float64(3) || patas["credits"] != float64(15) {
		t.Errorf("patas estimate = %v", patas)
	}
	if body["total_credits"] != float64(115) {
		t.Errorf("total_credits = %v", body["total_credits"])
	}
}

func TestPricingEstimateRejectsUnknownProduct(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/v1/pricing/estimate",
		`{"items":[{"product":"nope","count":1}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreatePaymentAndWebhookSettlement(t *testing.T) {
	ts := newTestServer(t)
	token, accountID := ts.login(t, "topup@example.com")

	rec := ts.do(http.MethodPost, "/api/v1/payments",
		`{"provider":"fakepay","amount_usd":"10.00"}`, bearer(token))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create payment status = %d (body %s)", rec.Code, rec.Body.String())
	}
	checkout := decodeJSON(t, rec)
	if checkout["checkout_url"] != "https://pay.example.com/fp_checkout" {
		t.Errorf("checkout = %v", checkout)
	}

	webhook := fmt.Sprintf(`{"event_id":"evt_1","account_id":%q,"amount_usd":"10.00"}`, accountID)
	rec = ts.do(http.MethodPost, "/webhooks/fakepay", webhook, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if decodeJSON(t, rec)["status"] != "processed" {
		t.Errorf("webhook body = %s", rec.Body.String())
	}

	// Redelivery settles nothing.
	rec = ts.do(http.MethodPost, "/webhooks/fakepay", webhook, nil)
	if decodeJSON(t, rec)["status"] != "ignored" {
		t.Errorf("redelivery body = %s", rec.Body.String())
	}

	balance, err := ts.store.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatal(err)
	}
	if !balance.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("balance = %s, want 10.00", balance)
	}
}

func TestCreatePaymentUnknownProvider(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.login(t, "badprov@example.com")

	rec := ts.do(http.MethodPost, "/api/v1/payments",
		`{"provider":"cash","amount_usd":"10.00"}`, bearer(token))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fakepay") {
		t.Errorf("body does not list available providers: %s", rec.Body.String())
	}
}

func TestWebhookUnknownProviderIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/webhooks/nopay", `{}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/auth/magic-link", `{"email":"rotate@example.com"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatal("magic-link failed")
	}
	link, _ := url.Parse(ts.sender.links[len(ts.sender.links)-1])
	rec = ts.do(http.MethodPost, "/api/v1/auth/verify",
		fmt.Sprintf(`{"token":%q}`, link.Query().Get("token")), nil)
	var pair auth.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}

	rec = ts.do(http.MethodPost, "/api/v1/auth/refresh",
		fmt.Sprintf(`{"refresh_token":%q}`, pair.RefreshToken), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rec.Code)
	}

	// The consumed token cannot be replayed.
	rec = ts.do(http.MethodPost, "/api/v1/auth/refresh",
		fmt.Sprintf(`{"refresh_token":%q}`, pair.RefreshToken), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", rec.Code)
	}
}

func TestRequestIDHeaderPresent(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}
