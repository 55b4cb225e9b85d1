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
	lemonAPI             = "https://api.lemonsqueezy.com/v1"
	lemonSignatureHeader = "X-Signature"
)

// LemonSqueezyProvider integrates Lemon Squeezy. Deliveries are signed with
// a bare hex HMAC; invalid signatures get a plain 403 and Lemon Squeezy
// stops retrying after a bounded number of attempts.
type LemonSqueezyProvider struct {
	cfg config.LemonSqueezyConfig
	api *apiClient
}

// NewLemonSqueezyProvider builds the adapter.
func NewLemonSqueezyProvider(cfg config.LemonSqueezyConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics) *LemonSqueezyProvider {
	return &LemonSqueezyProvider{cfg: cfg, api: newAPIClient("lemonsqueezy", breaker, m)}
}

func (p *LemonSqueezyProvider) Name() string          { return "lemonsqueezy" }
func (p *LemonSqueezyProvider) SuppressRetries() bool { return false }

func (p *LemonSqueezyProvider) authHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
		"Accept":        "application/vnd.api+json",
	}
}

// CreateCheckout creates a custom-price checkout carrying the account id in
// checkout custom data.
func (p *LemonSqueezyProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	cents := req.AmountUSD.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	body := map[string]any{
		"data": map[string]any{
			"type": "checkouts",
			"attributes": map[string]any{
				"custom_price": cents,
				"checkout_data": map[string]any{
					"custom": map[string]string{
						"account_id":      req.AccountID,
						"idempotency_key": req.IdempotencyKey,
					},
				},
				"product_options": map[string]any{
					"name":         "KikuAI credits",
					"redirect_url": req.SuccessURL,
				},
			},
		},
	}

	var resp struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				URL string `json:"url"`
			} `json:"attributes"`
		} `json:"data"`
	}
	err := p.api.doJSON(ctx, http.MethodPost, lemonAPI+"/checkouts", "checkout", p.authHeaders(), body, &resp)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{
		PaymentID:   resp.Data.ID,
		Status:      StatusPending,
		CheckoutURL: resp.Data.Attributes.URL,
	}, nil
}

// VerifyWebhook checks the bare X-Signature HMAC over the raw body.
func (p *LemonSqueezyProvider) VerifyWebhook(header http.Header, body []byte) error {
	return verifyBare(p.cfg.WebhookSecret, header.Get(lemonSignatureHeader), body)
}

// ParseWebhook settles order_created events; everything else is
// acknowledged and dropped.
func (p *LemonSqueezyProvider) ParseWebhook(ctx context.Context, body []byte) (*WebhookEvent, error) {
	var envelope struct {
		Meta struct {
			EventName  string            `json:"event_name"`
			CustomData map[string]string `json:"custom_data"`
		} `json:"meta"`
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				Identifier string `json:"identifier"`
				TotalUSD   int64  `json:"total_usd"` // cents
				Total      int64  `json:"total"`     // cents, store currency
				Status     string `json:"status"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("lemonsqueezy: decode event: %w", err)
	}
	if envelope.Data.ID == "" {
		return nil, fmt.Errorf("lemonsqueezy: event missing data.id")
	}

	event := &WebhookEvent{
		EventID: envelope.Meta.EventName + ":" + envelope.Data.ID,
		Kind:    envelope.Meta.EventName,
	}
	switch envelope.Meta.EventName {
	case "order_created":
		accountID := envelope.Meta.CustomData["account_id"]
		if accountID == "" {
			return nil, fmt.Errorf("lemonsqueezy: event missing custom_data.account_id")
		}
		cents := envelope.Data.Attributes.TotalUSD
		if cents == 0 {
			cents = envelope.Data.Attributes.Total
		}
		event.Settlement = &Settlement{
			AccountID:   accountID,
			AmountUSD:   decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)),
			Type:        ledger.TxTopup,
			Description: "lemonsqueezy order " + envelope.Data.Attributes.Identifier,
		}
	case "order_refunded":
		accountID := envelope.Meta.CustomData["account_id"]
		if accountID == "" {
			return nil, fmt.Errorf("lemonsqueezy: event missing custom_data.account_id")
		}
		event.Settlement = &Settlement{
			AccountID:   accountID,
			AmountUSD:   decimal.NewFromInt(envelope.Data.Attributes.TotalUSD).Div(decimal.NewFromInt(100)),
			Type:        ledger.TxRefund,
			Description: "lemonsqueezy refund " + envelope.Data.Attributes.Identifier,
		}
	}
	return event, nil
}

// GetPaymentStatus maps the order status of a checkout's order.
func (p *LemonSqueezyProvider) GetPaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	var resp struct {
		Data struct {
			Attributes struct {
				Status string `json:"status"`
			} `json:"attributes"`
		} `json:"data"`
	}
	err := p.api.doJSON(ctx, http.MethodGet, lemonAPI+"/orders/"+paymentID, "status", p.authHeaders(), nil, &resp)
	if err != nil {
		return "", err
	}
	switch resp.Data.Attributes.Status {
	case "paid":
		return StatusCompleted, nil
	case "refunded":
		return StatusRefunded, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}
