package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/circuitbreaker"
	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/metrics"
)

const (
	paddleProductionAPI = "https://api.paddle.com"
	paddleSandboxAPI    = "https://sandbox-api.paddle.com"

	paddleSignatureHeader = "Paddle-Signature"
)

// PaddleProvider integrates Paddle Billing v2. Paddle redelivers rejected
// webhooks indefinitely, so signature failures are acknowledged with 200.
type PaddleProvider struct {
	cfg     config.PaddleConfig
	api     *apiClient
	baseURL string
	nowFunc func() time.Time
}

// NewPaddleProvider builds the adapter.
func NewPaddleProvider(cfg config.PaddleConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics) *PaddleProvider {
	baseURL := paddleProductionAPI
	if cfg.Environment == "sandbox" {
		baseURL = paddleSandboxAPI
	}
	return &PaddleProvider{
		cfg:     cfg,
		api:     newAPIClient("paddle", breaker, m),
		baseURL: baseURL,
		nowFunc: time.Now,
	}
}

func (p *PaddleProvider) Name() string          { return "paddle" }
func (p *PaddleProvider) SuppressRetries() bool { return true }

func (p *PaddleProvider) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}

type paddleTransactionData struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	CustomData map[string]string `json:"custom_data"`
	Details    struct {
		Totals struct {
			Total        string `json:"total"` // minor units
			CurrencyCode string `json:"currency_code"`
		} `json:"totals"`
	} `json:"details"`
	Checkout struct {
		URL string `json:"url"`
	} `json:"checkout"`
}

// CreateCheckout creates a Paddle transaction with a hosted checkout.
func (p *PaddleProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	body := map[string]any{
		"items": []map[string]any{{
			"quantity": 1,
			"price": map[string]any{
				"description": "Credit topup",
				"unit_price": map[string]string{
					"amount":        usdMinorUnits(req.AmountUSD),
					"currency_code": "USD",
				},
				"product": map[string]any{
					"name":         "KikuAI credits",
					"tax_category": "standard",
				},
			},
		}},
		"custom_data": map[string]string{
			"account_id":      req.AccountID,
			"idempotency_key": req.IdempotencyKey,
		},
		"checkout": map[string]any{
			"settings": map[string]string{"success_url": req.SuccessURL},
		},
	}

	var resp struct {
		Data paddleTransactionData `json:"data"`
	}
	err := p.api.doJSON(ctx, http.MethodPost, p.baseURL+"/transactions", "checkout", p.authHeaders(), body, &resp)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{
		PaymentID:   resp.Data.ID,
		Status:      StatusPending,
		CheckoutURL: resp.Data.Checkout.URL,
	}, nil
}

// VerifyWebhook checks the timestamped Paddle-Signature header.
func (p *PaddleProvider) VerifyWebhook(header http.Header, body []byte) error {
	return verifyTimestamped(p.cfg.WebhookSecret, header.Get(paddleSignatureHeader), body, p.nowFunc())
}

// ParseWebhook maps Paddle notification events to settlements.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, body []byte) (*WebhookEvent, error) {
	var envelope struct {
		EventID   string                `json:"event_id"`
		EventType string                `json:"event_type"`
		Data      paddleTransactionData `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("paddle: decode event: %w", err)
	}
	if envelope.EventID == "" {
		return nil, fmt.Errorf("paddle: event missing event_id")
	}

	event := &WebhookEvent{EventID: envelope.EventID, Kind: envelope.EventType}

	switch envelope.EventType {
	case "transaction.completed":
		settlement, err := p.settlementFromData(envelope.Data, ledger.TxTopup)
		if err != nil {
			return nil, err
		}
		event.Settlement = settlement
	case "adjustment.created", "transaction.refunded":
		settlement, err := p.settlementFromData(envelope.Data, ledger.TxRefund)
		if err != nil {
			return nil, err
		}
		event.Settlement = settlement
	default:
		// payment_failed, transaction.updated and friends are acknowledged
		// without touching the ledger.
	}
	return event, nil
}

func (p *PaddleProvider) settlementFromData(data paddleTransactionData, txType ledger.TxType) (*Settlement, error) {
	accountID := data.CustomData["account_id"]
	if accountID == "" {
		return nil, fmt.Errorf("paddle: event missing custom_data.account_id")
	}
	amount, err := usdFromMinorUnits(data.Details.Totals.Total)
	if err != nil {
		return nil, fmt.Errorf("paddle: bad total %q: %w", data.Details.Totals.Total, err)
	}
	return &Settlement{
		AccountID:   accountID,
		AmountUSD:   amount,
		Type:        txType,
		Description: fmt.Sprintf("paddle %s %s", txType, data.ID),
	}, nil
}

// GetPaymentStatus maps the Paddle transaction status.
func (p *PaddleProvider) GetPaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	var resp struct {
		Data paddleTransactionData `json:"data"`
	}
	err := p.api.doJSON(ctx, http.MethodGet, p.baseURL+"/transactions/"+paymentID, "status", p.authHeaders(), nil, &resp)
	if err != nil {
		return "", err
	}
	switch resp.Data.Status {
	case "completed", "paid":
		return StatusCompleted, nil
	case "billed":
		return StatusProcessing, nil
	case "canceled":
		return StatusCancelled, nil
	case "past_due":
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

// usdMinorUnits renders a USD amount as an integer cent string.
func usdMinorUnits(amount decimal.Decimal) string {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).String()
}

func usdFromMinorUnits(cents string) (decimal.Decimal, error) {
	n, err := strconv.ParseInt(cents, 10, 64)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(n).Div(decimal.NewFromInt(100)), nil
}
