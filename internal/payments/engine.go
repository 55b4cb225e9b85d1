package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/logger"
	"github.com/KikuAI/gateway/internal/metrics"
	"github.com/KikuAI/gateway/internal/notify"
)

// ErrUnknownProvider is returned for tags with no registered provider.
var ErrUnknownProvider = errors.New("payments: unknown provider")

// Engine routes checkout creation and webhook settlement across registered
// providers. All money movement goes through the ledger with the event-
// derived idempotency key, so concurrent or repeated deliveries settle once.
type Engine struct {
	providers map[string]Provider
	ledger    *ledger.Service
	notifier  notify.Notifier
	metrics   *metrics.Metrics

	lowBalanceThreshold decimal.Decimal
	successURL          string
	cancelURL           string
}

// NewEngine wires the engine. notifier may be the noop implementation.
func NewEngine(led *ledger.Service, notifier notify.Notifier, m *metrics.Metrics, cfg config.PaymentsConfig) *Engine {
	threshold, err := decimal.NewFromString(cfg.LowBalanceThreshold)
	if err != nil || threshold.IsNegative() {
		threshold = decimal.NewFromInt(5)
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Engine{
		providers:           make(map[string]Provider),
		ledger:              led,
		notifier:            notifier,
		metrics:             m,
		lowBalanceThreshold: threshold,
		successURL:          cfg.SuccessURL,
		cancelURL:           cfg.CancelURL,
	}
}

// Register adds a provider under its own tag.
func (e *Engine) Register(p Provider) {
	e.providers[p.Name()] = p
}

// Provider resolves a tag.
func (e *Engine) Provider(tag string) (Provider, bool) {
	p, ok := e.providers[tag]
	return p, ok
}

// ProviderTags lists the registered provider tags, sorted.
func (e *Engine) ProviderTags() []string {
	tags := make([]string, 0, len(e.providers))
	for tag := range e.providers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// CreatePayment creates a provider checkout for a topup. The ledger is not
// touched: money moves only when the settlement webhook arrives. A non-empty
// idempotency key that already settled short-circuits to the existing
// transaction.
func (e *Engine) CreatePayment(ctx context.Context, accountID, tag string, amountUSD decimal.Decimal, idempotencyKey string) (*CheckoutResult, error) {
	if !amountUSD.IsPositive() {
		return nil, fmt.Errorf("payments: amount must be positive, got %s", amountUSD)
	}
	provider, ok := e.providers[tag]
	if !ok {
		return nil, ErrUnknownProvider
	}

	if idempotencyKey != "" {
		existing, err := e.ledger.Store.FindTransactionByKey(ctx, idempotencyKey)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("payments: idempotency lookup: %w", err)
		}
		if existing != nil {
			return &CheckoutResult{PaymentID: existing.ID, Status: StatusCompleted}, nil
		}
	}

	result, err := provider.CreateCheckout(ctx, CheckoutRequest{
		AccountID:      accountID,
		AmountUSD:      amountUSD,
		IdempotencyKey: idempotencyKey,
		SuccessURL:     e.successURL,
		CancelURL:      e.cancelURL,
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.PaymentsCreatedTotal.WithLabelValues(tag).Inc()
	}
	return result, nil
}

// WebhookOutcome is what the HTTP handler writes back to the provider.
type WebhookOutcome struct {
	Status int
	Body   map[string]any
}

func webhookError(status int, message string) WebhookOutcome {
	return WebhookOutcome{Status: status, Body: map[string]any{"status": "error", "message": message}}
}

// HandleWebhook verifies, deduplicates, and settles one webhook delivery.
// State is mutated only after the signature verifies; transient settlement
// failures answer 5xx so the provider redelivers, permanent parse failures
// answer 200 to stop retry storms.
func (e *Engine) HandleWebhook(ctx context.Context, tag string, header http.Header, body []byte) WebhookOutcome {
	start := time.Now()
	log := logger.FromContext(ctx)

	provider, ok := e.providers[tag]
	if !ok {
		return webhookError(http.StatusNotFound, "unknown provider")
	}

	if err := provider.VerifyWebhook(header, body); err != nil {
		e.observeWebhook(tag, "invalid_signature", start)
		log.Warn().Str("provider", tag).Msg("payments.webhook_signature_rejected")
		if provider.SuppressRetries() {
			return webhookError(http.StatusOK, "invalid signature")
		}
		return webhookError(http.StatusForbidden, "invalid signature")
	}

	event, err := provider.ParseWebhook(ctx, body)
	if err != nil {
		// Unparsable bodies never become parsable; acknowledging stops the
		// provider's retry loop.
		e.observeWebhook(tag, "error", start)
		log.Warn().Err(err).Str("provider", tag).Msg("payments.webhook_unparsable")
		return webhookError(http.StatusOK, "unprocessable event")
	}
	if event == nil || event.Settlement == nil {
		e.observeWebhook(tag, "ignored", start)
		return WebhookOutcome{Status: http.StatusOK, Body: map[string]any{"status": "ignored"}}
	}

	settlement := event.Settlement
	amount := settlement.AmountUSD
	if settlement.Type == ledger.TxRefund {
		amount = amount.Neg()
	}

	res, err := e.ledger.Credit(ctx, ledger.CreditParams{
		AccountID:      settlement.AccountID,
		AmountUSD:      amount,
		Type:           settlement.Type,
		IdempotencyKey: tag + ":" + event.EventID,
		Description:    settlement.Description,
	})
	if err != nil {
		e.observeWebhook(tag, "error", start)
		log.Error().Err(err).Str("provider", tag).Str("event_id", event.EventID).
			Msg("payments.settlement_failed")
		return webhookError(http.StatusInternalServerError, "settlement failed")
	}
	if res.Duplicate {
		e.observeWebhook(tag, "duplicate", start)
		return WebhookOutcome{Status: http.StatusOK, Body: map[string]any{
			"status":         "ignored",
			"transaction_id": res.Transaction.ID,
		}}
	}

	e.observeWebhook(tag, "settled", start)
	if e.metrics != nil && settlement.Type == ledger.TxTopup {
		amountF, _ := settlement.AmountUSD.Float64()
		e.metrics.ObserveSettlement(tag, amountF)
	}
	e.dispatchNotifications(ctx, tag, settlement, res)

	return WebhookOutcome{Status: http.StatusOK, Body: map[string]any{
		"status":         "processed",
		"transaction_id": res.Transaction.ID,
	}}
}

func (e *Engine) dispatchNotifications(ctx context.Context, tag string, settlement *Settlement, res *ledger.MutationResult) {
	if settlement.Type == ledger.TxTopup {
		e.notifier.PaymentReceived(ctx, notify.PaymentEvent{
			AccountID:     settlement.AccountID,
			Provider:      tag,
			AmountUSD:     settlement.AmountUSD,
			TransactionID: res.Transaction.ID,
		})
	}
	if res.BalanceUSD.LessThan(e.lowBalanceThreshold) {
		e.notifier.LowBalance(ctx, notify.LowBalanceEvent{
			AccountID:    settlement.AccountID,
			BalanceUSD:   res.BalanceUSD,
			ThresholdUSD: e.lowBalanceThreshold,
		})
	}
}

func (e *Engine) observeWebhook(tag, status string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveWebhook(tag, status, time.Since(start))
	}
}
