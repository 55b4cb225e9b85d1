package payments

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/ledger"
)

func TestPaddleWebhook(t *testing.T) {
	cfg := config.PaddleConfig{WebhookSecret: "pdl_secret"}
	provider := NewPaddleProvider(cfg, nil, nil)
	now := time.Unix(1700000000, 0)
	provider.nowFunc = func() time.Time { return now }

	body := []byte(`{
		"event_id": "evt_abc",
		"event_type": "transaction.completed",
		"data": {
			"id": "txn_1",
			"custom_data": {"account_id": "acct_42"},
			"details": {"totals": {"total": "1050", "currency_code": "USD"}}
		}
	}`)
	ts := fmt.Sprintf("%d", now.Unix())
	header := http.Header{}
	header.Set(paddleSignatureHeader, "ts="+ts+";h1="+signHex(cfg.WebhookSecret, []byte(ts+":"+string(body))))

	if err := provider.VerifyWebhook(header, body); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// The same header over a tampered body fails.
	if err := provider.VerifyWebhook(header, append(body, ' ')); err != ErrInvalidSignature {
		t.Errorf("tampered verify err = %v", err)
	}

	event, err := provider.ParseWebhook(context.Background(), body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.EventID != "evt_abc" || event.Settlement == nil {
		t.Fatalf("event = %+v", event)
	}
	s := event.Settlement
	if s.AccountID != "acct_42" || !s.AmountUSD.Equal(decimal.RequireFromString("10.5")) || s.Type != ledger.TxTopup {
		t.Errorf("settlement = %+v", s)
	}
}

func TestPaddleWebhookIgnoresFailures(t *testing.T) {
	provider := NewPaddleProvider(config.PaddleConfig{WebhookSecret: "s"}, nil, nil)

	event, err := provider.ParseWebhook(context.Background(), []byte(`{
		"event_id": "evt_f",
		"event_type": "transaction.payment_failed",
		"data": {"id": "txn_2"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Settlement != nil {
		t.Errorf("payment_failed produced a settlement: %+v", event.Settlement)
	}
}

func TestLemonSqueezyWebhook(t *testing.T) {
	cfg := config.LemonSqueezyConfig{WebhookSecret: "ls_secret"}
	provider := NewLemonSqueezyProvider(cfg, nil, nil)

	body := []byte(`{
		"meta": {"event_name": "order_created", "custom_data": {"account_id": "acct_7"}},
		"data": {"id": "901", "attributes": {"identifier": "ord-901", "total_usd": 500, "status": "paid"}}
	}`)
	header := http.Header{}
	header.Set(lemonSignatureHeader, signHex(cfg.WebhookSecret, body))

	if err := provider.VerifyWebhook(header, body); err != nil {
		t.Fatalf("verify: %v", err)
	}

	header.Set(lemonSignatureHeader, signHex("wrong", body))
	if err := provider.VerifyWebhook(header, body); err != ErrInvalidSignature {
		t.Errorf("wrong secret verify err = %v", err)
	}

	event, err := provider.ParseWebhook(context.Background(), body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.EventID != "order_created:901" {
		t.Errorf("event id = %q", event.EventID)
	}
	if event.Settlement == nil || !event.Settlement.AmountUSD.Equal(decimal.NewFromInt(5)) {
		t.Errorf("settlement = %+v", event.Settlement)
	}
}

func TestCreemWebhookSignaturePrefixes(t *testing.T) {
	cfg := config.CreemConfig{WebhookSecret: "cr_secret"}
	provider := NewCreemProvider(cfg, nil, nil)
	body := []byte(`{"id":"evt_c","eventType":"checkout.completed","object":{"id":"co_1","amount":250,"metadata":{"account_id":"acct_9"}}}`)

	valid := signHex(cfg.WebhookSecret, body)
	for _, sig := range []string{valid, "sha256=" + valid} {
		header := http.Header{}
		header.Set(creemSignatureHeader, sig)
		if err := provider.VerifyWebhook(header, body); err != nil {
			t.Errorf("verify with %q: %v", sig[:10], err)
		}
	}

	event, err := provider.ParseWebhook(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if event.Settlement == nil || !event.Settlement.AmountUSD.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("settlement = %+v", event.Settlement)
	}
}

// memoryInvoiceStore is an in-memory InvoiceStore for tests.
type memoryInvoiceStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryInvoiceStore() *memoryInvoiceStore {
	return &memoryInvoiceStore{values: make(map[string]string)}
}

func (m *memoryInvoiceStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryInvoiceStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memoryInvoiceStore) GetDel(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val := m.values[key]
	delete(m.values, key)
	return val, nil
}

func TestStarsCheckoutAndSettlement(t *testing.T) {
	store := newMemoryInvoiceStore()
	provider := NewStarsProvider(config.StarsConfig{Enabled: true, RatePerUSD: 50}, store)
	ctx := context.Background()

	res, err := provider.CreateCheckout(ctx, CheckoutRequest{
		AccountID: "acct_21",
		AmountUSD: decimal.RequireFromString("2.50"),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !strings.HasPrefix(res.InvoicePayload, "topup:acct_21:") {
		t.Errorf("payload = %q", res.InvoicePayload)
	}
	if res.Status != StatusPending {
		t.Errorf("status = %s", res.Status)
	}

	status, err := provider.GetPaymentStatus(ctx, res.PaymentID)
	if err != nil || status != StatusPending {
		t.Errorf("status while pending = %s, %v", status, err)
	}

	// $2.50 at 50 stars/$1 is 125 stars.
	callback := fmt.Sprintf(`{
		"invoice_payload": %q,
		"payer_telegram_id": 777,
		"total_amount": 125,
		"telegram_payment_charge_id": "ch_1"
	}`, res.InvoicePayload)

	event, err := provider.ParseWebhook(ctx, []byte(callback))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Settlement == nil {
		t.Fatalf("no settlement: %+v", event)
	}
	if event.Settlement.AccountID != "acct_21" || !event.Settlement.AmountUSD.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("settlement = %+v", event.Settlement)
	}

	// The invoice is consumed: replaying the callback settles nothing.
	event, err = provider.ParseWebhook(ctx, []byte(callback))
	if err != nil {
		t.Fatalf("replay parse: %v", err)
	}
	if event.Settlement != nil {
		t.Errorf("replay produced a settlement")
	}
}

func TestStarsRejectsAmountMismatch(t *testing.T) {
	store := newMemoryInvoiceStore()
	provider := NewStarsProvider(config.StarsConfig{Enabled: true}, store)
	ctx := context.Background()

	res, err := provider.CreateCheckout(ctx, CheckoutRequest{
		AccountID: "acct_22",
		AmountUSD: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatal(err)
	}

	callback := fmt.Sprintf(`{"invoice_payload": %q, "total_amount": 1, "telegram_payment_charge_id": "ch_2"}`, res.InvoicePayload)
	if _, err := provider.ParseWebhook(ctx, []byte(callback)); err == nil {
		t.Error("underpaid callback accepted")
	}
}

func TestStarsRoundsUpFractionalStars(t *testing.T) {
	provider := NewStarsProvider(config.StarsConfig{Enabled: true, RatePerUSD: 50}, newMemoryInvoiceStore())

	// $0.01 maps to 0.5 stars; invoices round up to 1.
	res, err := provider.CreateCheckout(context.Background(), CheckoutRequest{
		AccountID: "acct_23",
		AmountUSD: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	callback := fmt.Sprintf(`{"invoice_payload": %q, "total_amount": 1, "telegram_payment_charge_id": "ch_3"}`, res.InvoicePayload)
	event, err := provider.ParseWebhook(context.Background(), []byte(callback))
	if err != nil || event.Settlement == nil {
		t.Fatalf("parse: %v, event = %+v", err, event)
	}
}
