package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/circuitbreaker"
	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/metrics"
)

const (
	creemAPI             = "https://api.creem.io/v1"
	creemSignatureHeader = "creem-signature"
)

// CreemProvider integrates Creem checkouts. The signature header may carry a
// "sha256=" prefix depending on dashboard version; both forms verify.
type CreemProvider struct {
	cfg config.CreemConfig
	api *apiClient
}

// NewCreemProvider builds the adapter.
func NewCreemProvider(cfg config.CreemConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics) *CreemProvider {
	return &CreemProvider{cfg: cfg, api: newAPIClient("creem", breaker, m)}
}

func (p *CreemProvider) Name() string          { return "creem" }
func (p *CreemProvider) SuppressRetries() bool { return false }

func (p *CreemProvider) authHeaders() map[string]string {
	return map[string]string{"x-api-key": p.cfg.APIKey}
}

// CreateCheckout creates a checkout session against the configured product.
func (p *CreemProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	body := map[string]any{
		"product_id":  p.cfg.ProductID,
		"request_id":  req.IdempotencyKey,
		"success_url": req.SuccessURL,
		"units":       1,
		"metadata": map[string]string{
			"account_id": req.AccountID,
			"amount_usd": req.AmountUSD.StringFixed(2),
		},
	}

	var resp struct {
		ID          string `json:"id"`
		CheckoutURL string `json:"checkout_url"`
	}
	err := p.api.doJSON(ctx, http.MethodPost, creemAPI+"/checkouts", "checkout", p.authHeaders(), body, &resp)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{
		PaymentID:   resp.ID,
		Status:      StatusPending,
		CheckoutURL: resp.CheckoutURL,
	}, nil
}

// VerifyWebhook checks the creem-signature HMAC, prefixed or bare.
func (p *CreemProvider) VerifyWebhook(header http.Header, body []byte) error {
	return verifyBare(p.cfg.WebhookSecret, header.Get(creemSignatureHeader), body)
}

type creemObject struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"` // cents
	Metadata map[string]string `json:"metadata"`
	Order    struct {
		Amount int64 `json:"amount"`
	} `json:"order"`
}

// ParseWebhook settles the three completion event aliases plus refunds.
func (p *CreemProvider) ParseWebhook(ctx context.Context, body []byte) (*WebhookEvent, error) {
	var envelope struct {
		ID        string      `json:"id"`
		EventType string      `json:"eventType"`
		Object    creemObject `json:"object"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("creem: decode event: %w", err)
	}
	if envelope.ID == "" {
		return nil, fmt.Errorf("creem: event missing id")
	}

	event := &WebhookEvent{EventID: envelope.ID, Kind: envelope.EventType}

	switch envelope.EventType {
	case "checkout.completed", "payment.successful", "order.completed":
		settlement, err := creemSettlement(envelope.Object, ledger.TxTopup)
		if err != nil {
			return nil, err
		}
		event.Settlement = settlement
	case "refund.created":
		settlement, err := creemSettlement(envelope.Object, ledger.TxRefund)
		if err != nil {
			return nil, err
		}
		event.Settlement = settlement
	}
	return event, nil
}

func creemSettlement(obj creemObject, txType ledger.TxType) (*Settlement, error) {
	accountID := obj.Metadata["account_id"]
	if accountID == "" {
		return nil, fmt.Errorf("creem: event missing metadata.account_id")
	}
	cents := obj.Amount
	if cents == 0 {
		cents = obj.Order.Amount
	}
	return &Settlement{
		AccountID:   accountID,
		AmountUSD:   decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)),
		Type:        txType,
		Description: fmt.Sprintf("creem %s %s", txType, obj.ID),
	}, nil
}

// GetPaymentStatus maps the checkout status.
func (p *CreemProvider) GetPaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := p.api.doJSON(ctx, http.MethodGet, creemAPI+"/checkouts/"+paymentID, "status", p.authHeaders(), nil, &resp)
	if err != nil {
		return "", err
	}
	switch resp.Status {
	case "completed", "paid":
		return StatusCompleted, nil
	case "expired":
		return StatusCancelled, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

// Refund issues an API refund for a payment. amount nil refunds in full.
func (p *CreemProvider) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) error {
	body := map[string]any{"checkout_id": paymentID}
	if amount != nil {
		body["amount"] = amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	}
	return p.api.doJSON(ctx, http.MethodPost, creemAPI+"/refunds", "refund", p.authHeaders(), body, nil)
}
