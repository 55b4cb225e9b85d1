package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Gateway pipeline metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec

	// Admission metrics
	CreditsDebitedTotal  *prometheus.CounterVec
	FreeTierServedTotal  *prometheus.CounterVec
	QuotaRejectionsTotal *prometheus.CounterVec
	BalanceRejections    *prometheus.CounterVec

	// Ledger metrics
	LedgerOpsTotal    *prometheus.CounterVec
	LedgerOpDuration  *prometheus.HistogramVec
	BalanceCacheTotal *prometheus.CounterVec

	// Payment metrics
	PaymentsCreatedTotal *prometheus.CounterVec
	PaymentsSettledTotal *prometheus.CounterVec
	PaymentAmountTotal   *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Outbound provider API metrics
	ProviderAPIDuration *prometheus.HistogramVec

	// Auth metrics
	AuthAttemptsTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_gateway_requests_total",
				Help: "Total number of metered gateway requests",
			},
			[]string{"product", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiku_gateway_request_duration_seconds",
				Help:    "End-to-end gateway request duration including upstream time",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"product"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_gateway_upstream_errors_total",
				Help: "Total number of upstream service failures",
			},
			[]string{"product", "kind"},
		),

		CreditsDebitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_credits_debited_total",
				Help: "Total credits debited for metered usage",
			},
			[]string{"product"},
		),
		FreeTierServedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_free_tier_served_total",
				Help: "Total requests served from the free tier",
			},
			[]string{"product"},
		),
		QuotaRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_quota_rejections_total",
				Help: "Total requests rejected by free-tier quota",
			},
			[]string{"product", "window"},
		),
		BalanceRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_balance_rejections_total",
				Help: "Total requests rejected for insufficient balance",
			},
			[]string{"product"},
		),

		LedgerOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_ledger_ops_total",
				Help: "Total ledger operations by type and result",
			},
			[]string{"op", "result"},
		),
		LedgerOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiku_ledger_op_duration_seconds",
				Help:    "Ledger operation duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"op"},
		),
		BalanceCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_balance_cache_total",
				Help: "Balance cache lookups by result (hit, miss, bypass)",
			},
			[]string{"result"},
		),

		PaymentsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_payments_created_total",
				Help: "Total checkout sessions created",
			},
			[]string{"provider"},
		),
		PaymentsSettledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_payments_settled_total",
				Help: "Total payments credited to the ledger",
			},
			[]string{"provider"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_payment_amount_usd_total",
				Help: "Total settled payment amount in USD",
			},
			[]string{"provider"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_webhooks_total",
				Help: "Total webhook deliveries received by provider and status",
			},
			[]string{"provider", "status"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiku_webhook_duration_seconds",
				Help:    "Time taken to process an inbound webhook",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"provider"},
		),

		ProviderAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiku_provider_api_duration_seconds",
				Help:    "Outbound payment provider API call duration including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "endpoint"},
		),

		AuthAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_auth_attempts_total",
				Help: "Total authentication attempts by method and result",
			},
			[]string{"method", "result"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiku_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),
	}
}

// ObserveRequest records a metered gateway request and its outcome.
// Outcomes: served_paid, served_free, rejected_quota, rejected_balance,
// upstream_error.
func (m *Metrics) ObserveRequest(product, outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(product, outcome).Inc()
	m.RequestDuration.WithLabelValues(product).Observe(duration.Seconds())
}

// ObserveDebit records a successful usage debit.
func (m *Metrics) ObserveDebit(product string, creditsUsed float64) {
	m.CreditsDebitedTotal.WithLabelValues(product).Add(creditsUsed)
}

// ObserveLedgerOp records a ledger store operation.
func (m *Metrics) ObserveLedgerOp(op, result string, duration time.Duration) {
	m.LedgerOpsTotal.WithLabelValues(op, result).Inc()
	m.LedgerOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveWebhook records an inbound webhook.
// Statuses: settled, duplicate, ignored, invalid_signature, error.
func (m *Metrics) ObserveWebhook(provider, status string, duration time.Duration) {
	m.WebhooksTotal.WithLabelValues(provider, status).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveProviderAPI records one outbound provider API call.
func (m *Metrics) ObserveProviderAPI(provider, endpoint string, duration time.Duration) {
	m.ProviderAPIDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// ObserveSettlement records a payment credited to the ledger.
func (m *Metrics) ObserveSettlement(provider string, amountUSD float64) {
	m.PaymentsSettledTotal.WithLabelValues(provider).Inc()
	m.PaymentAmountTotal.WithLabelValues(provider).Add(amountUSD)
}

// ObserveAuth records an authentication attempt.
func (m *Metrics) ObserveAuth(method, result string) {
	m.AuthAttemptsTotal.WithLabelValues(method, result).Inc()
}
