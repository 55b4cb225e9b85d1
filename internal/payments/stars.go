package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/ledger"
)

const (
	starsInvoiceTTL       = time.Hour
	starsInvoicePrefix    = "pending_invoice:"
	defaultStarsPerUSD    = 50
	starsPayloadPartCount = 4
)

// InvoiceStore keeps pending star invoices between checkout and the bot's
// successful_payment callback.
type InvoiceStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns "" when the key is missing or expired.
	Get(ctx context.Context, key string) (string, error)
	// GetDel atomically reads and removes; "" when missing.
	GetDel(ctx context.Context, key string) (string, error)
}

type redisInvoiceStore struct {
	rdb *redis.Client
}

// NewRedisInvoiceStore backs the invoice store with Redis.
func NewRedisInvoiceStore(rdb *redis.Client) InvoiceStore {
	return &redisInvoiceStore{rdb: rdb}
}

func (s *redisInvoiceStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *redisInvoiceStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (s *redisInvoiceStore) GetDel(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// pendingInvoice is the record stored per issued invoice payload.
type pendingInvoice struct {
	AccountID string          `json:"account_id"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Stars     int64           `json:"stars"`
	CreatedAt time.Time       `json:"created_at"`
}

// StarsProvider handles Telegram Stars topups. Checkout never calls an
// external API: the bot process creates the actual invoice from the payload
// this provider returns, and its successful_payment callback drives
// settlement. Transport to the bot is trusted, so webhook verification is a
// no-op.
type StarsProvider struct {
	cfg     config.StarsConfig
	store   InvoiceStore
	nowFunc func() time.Time
}

// NewStarsProvider builds the adapter.
func NewStarsProvider(cfg config.StarsConfig, store InvoiceStore) *StarsProvider {
	if cfg.RatePerUSD <= 0 {
		cfg.RatePerUSD = defaultStarsPerUSD
	}
	return &StarsProvider{cfg: cfg, store: store, nowFunc: time.Now}
}

func (p *StarsProvider) Name() string          { return "stars" }
func (p *StarsProvider) SuppressRetries() bool { return false }

// CreateCheckout computes the star amount, records a pending invoice, and
// returns the payload the bot turns into an invoice.
func (p *StarsProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	now := p.nowFunc()
	stars := req.AmountUSD.Mul(decimal.NewFromInt(p.cfg.RatePerUSD)).Ceil().IntPart()
	if stars <= 0 {
		return nil, fmt.Errorf("stars: amount %s maps to zero stars", req.AmountUSD)
	}

	payload := fmt.Sprintf("topup:%s:%d:%s", req.AccountID, now.Unix(), randomKey8())

	record, err := json.Marshal(pendingInvoice{
		AccountID: req.AccountID,
		AmountUSD: req.AmountUSD,
		Stars:     stars,
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("stars: encode invoice: %w", err)
	}
	if err := p.store.Set(ctx, starsInvoicePrefix+payload, string(record), starsInvoiceTTL); err != nil {
		return nil, fmt.Errorf("stars: store invoice: %w", err)
	}

	expires := now.Add(starsInvoiceTTL)
	return &CheckoutResult{
		PaymentID:      payload,
		Status:         StatusPending,
		InvoicePayload: payload,
		ExpiresAt:      &expires,
	}, nil
}

// VerifyWebhook trusts the bot transport.
func (p *StarsProvider) VerifyWebhook(header http.Header, body []byte) error {
	return nil
}

// ParseWebhook consumes the pending invoice named by the payload and emits
// the topup. A missing invoice means expiry or replay; both are dropped.
func (p *StarsProvider) ParseWebhook(ctx context.Context, body []byte) (*WebhookEvent, error) {
	var callback struct {
		EventID         string `json:"event_id"`
		InvoicePayload  string `json:"invoice_payload"`
		PayerTelegramID int64  `json:"payer_telegram_id"`
		TotalAmount     int64  `json:"total_amount"` // stars
		ChargeID        string `json:"telegram_payment_charge_id"`
	}
	if err := json.Unmarshal(body, &callback); err != nil {
		return nil, fmt.Errorf("stars: decode callback: %w", err)
	}

	payloadAccount, err := accountFromPayload(callback.InvoicePayload)
	if err != nil {
		return nil, err
	}

	eventID := callback.ChargeID
	if eventID == "" {
		eventID = callback.EventID
	}
	if eventID == "" {
		return nil, fmt.Errorf("stars: callback missing charge id")
	}
	event := &WebhookEvent{EventID: eventID, Kind: "successful_payment"}

	raw, err := p.store.GetDel(ctx, starsInvoicePrefix+callback.InvoicePayload)
	if err != nil {
		return nil, fmt.Errorf("stars: read invoice: %w", err)
	}
	if raw == "" {
		// Expired or already consumed. Acknowledge without settling.
		event.Kind = "invoice_missing"
		return event, nil
	}

	var invoice pendingInvoice
	if err := json.Unmarshal([]byte(raw), &invoice); err != nil {
		return nil, fmt.Errorf("stars: decode invoice: %w", err)
	}
	if invoice.AccountID != payloadAccount {
		return nil, fmt.Errorf("stars: payload account mismatch")
	}
	if callback.TotalAmount != invoice.Stars {
		return nil, fmt.Errorf("stars: paid %d stars, invoice was %d", callback.TotalAmount, invoice.Stars)
	}

	event.Settlement = &Settlement{
		AccountID:   invoice.AccountID,
		AmountUSD:   invoice.AmountUSD,
		Type:        ledger.TxTopup,
		Description: fmt.Sprintf("telegram stars topup (%d stars)", invoice.Stars),
	}
	return event, nil
}

// GetPaymentStatus reports PENDING while the invoice is outstanding. A
// consumed or expired invoice reads as COMPLETED; callers needing certainty
// consult the transaction history.
func (p *StarsProvider) GetPaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	raw, err := p.store.Get(ctx, starsInvoicePrefix+paymentID)
	if err != nil {
		return "", err
	}
	if raw != "" {
		return StatusPending, nil
	}
	return StatusCompleted, nil
}

func accountFromPayload(payload string) (string, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != starsPayloadPartCount || parts[0] != "topup" || parts[1] == "" {
		return "", fmt.Errorf("stars: malformed invoice payload %q", payload)
	}
	return parts[1], nil
}

func randomKey8() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("payments: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
