// Package gateway implements the metered request pipeline: identify the
// caller, admit against balance or free-tier quota, forward to the product
// upstream, and meter only after the upstream succeeded.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/apierror"
	"github.com/KikuAI/gateway/internal/auth"
	"github.com/KikuAI/gateway/internal/credits"
	"github.com/KikuAI/gateway/internal/ledger"
	"github.com/KikuAI/gateway/internal/logger"
	"github.com/KikuAI/gateway/internal/metrics"
	"github.com/KikuAI/gateway/internal/quota"
	"github.com/KikuAI/gateway/internal/ratelimit"
)

const (
	// HeaderCreditsUsed reports the credits charged for this call.
	HeaderCreditsUsed = "X-Credits-Used"
	// HeaderCreditsBalance reports the remaining integer credit balance.
	HeaderCreditsBalance = "X-Credits-Balance"
	// HeaderIdempotencyKey lets clients retry a metered call without being
	// double-charged.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxRequestBody = 10 << 20
	debugBodyLimit = 64 << 10

	// meterTimeout bounds the post-upstream debit. Metering runs on a
	// detached context: a client disconnect after the upstream served must
	// not leave the usage unbilled.
	meterTimeout = 10 * time.Second
)

// Route binds one product to its upstream.
type Route struct {
	Product  credits.Product
	Upstream *Upstream

	// Units derives the billable unit count from the request body. Nil
	// bills a single unit.
	Units func(body []byte) decimal.Decimal

	// VariableCost products report their actual cost in the response
	// meta; the nominal unit price is only a fallback.
	VariableCost bool
}

// Pipeline executes the metered request flow for all product routes.
type Pipeline struct {
	ledger  *ledger.Service
	quota   *quota.Engine
	auth    *auth.Service
	metrics *metrics.Metrics

	topupURL string
}

// New wires the pipeline.
func New(led *ledger.Service, q *quota.Engine, authSvc *auth.Service, m *metrics.Metrics, topupURL string) *Pipeline {
	return &Pipeline{ledger: led, quota: q, auth: authSvc, metrics: m, topupURL: topupURL}
}

// Handler returns the HTTP handler for one product route. Mount it under a
// wildcard so the remaining path forwards to the upstream.
func (p *Pipeline) Handler(route Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		log := logger.FromContext(ctx)
		product := route.Product

		body, err := readBody(r)
		if err != nil {
			apierror.Write(w, r, apierror.CodeValidation, "request body too large or unreadable", nil)
			return
		}

		account := p.identify(r)
		identity := ratelimit.ClientIP(r)

		units := decimal.NewFromInt(1)
		if route.Units != nil {
			units = route.Units(body)
			if units.LessThan(decimal.NewFromInt(1)) {
				units = decimal.NewFromInt(1)
			}
		}
		unitsInt := units.Ceil().IntPart()
		nominalCost := product.USDPerUnit().Mul(units)

		// Admission. Authenticated callers are priced; anonymous callers
		// spend free-tier quota keyed by client IP.
		var admitted *quota.CheckResult
		if account != nil {
			balance, err := p.ledger.Balance(ctx, account.ID)
			if err != nil {
				log.Error().Err(err).Str("account_id", account.ID).Msg("gateway.balance_read_failed")
				apierror.Write(w, r, apierror.CodeInternal, "balance unavailable", nil)
				return
			}
			if balance.LessThan(nominalCost) {
				p.rejectInsufficient(w, r, product, balance, nominalCost)
				p.observe(product.ID, "rejected_balance", start)
				return
			}
		} else {
			check, err := p.quota.Check(ctx, product.ID, identity, unitsInt, nil)
			if err != nil {
				if errors.Is(err, quota.ErrUnavailable) {
					log.Error().Err(err).Str("product", product.ID).Msg("gateway.quota_unavailable")
					apierror.Write(w, r, apierror.CodeQuotaUnavailable, "free tier temporarily unavailable", nil)
				} else {
					apierror.Write(w, r, apierror.CodeInternal, "quota check failed", nil)
				}
				return
			}
			if !check.Allowed {
				p.rejectQuota(w, r, product, check, unitsInt)
				p.observe(product.ID, "rejected_quota", start)
				return
			}
			admitted = check
		}

		// Dispatch. The upstream sees only the request payload, never the
		// caller's credentials.
		resp, err := route.Upstream.Forward(ctx, r.Method, chi.URLParam(r, "*"), r.Header, body)
		if err != nil {
			p.countUpstreamError(product.ID, "network")
			log.Error().Err(err).Str("product", product.ID).Msg("gateway.upstream_unreachable")
			apierror.Write(w, r, apierror.CodeServiceUnavailable, product.Name+" is temporarily unavailable", nil)
			p.observe(product.ID, "upstream_error", start)
			return
		}
		if resp.Status >= 500 {
			p.countUpstreamError(product.ID, "status")
			log.Error().Int("status", resp.Status).Str("product", product.ID).Msg("gateway.upstream_failed")
			apierror.Write(w, r, apierror.CodeServiceUnavailable, product.Name+" is temporarily unavailable", nil)
			p.observe(product.ID, "upstream_error", start)
			return
		}
		if resp.Status < 200 || resp.Status >= 300 {
			// Upstream rejected the request itself (validation and the
			// like). Nothing is billed; the reply passes through.
			writeRaw(w, resp)
			p.observe(product.ID, "upstream_rejected", start)
			return
		}

		// Meter. Runs detached from the client connection: the upstream
		// work happened, so the charge must land.
		meterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), meterTimeout)
		defer cancel()

		if account != nil {
			p.meterPaid(meterCtx, w, r, route, account, resp, body, units, nominalCost, start)
			return
		}

		if err := p.quota.Record(meterCtx, product.ID, identity, unitsInt); err != nil {
			// The response was already earned; losing one increment is
			// preferable to failing the call.
			log.Warn().Err(err).Str("product", product.ID).Msg("gateway.quota_record_failed")
		}
		p.writeFree(w, resp, admitted, unitsInt)
		if p.metrics != nil {
			p.metrics.FreeTierServedTotal.WithLabelValues(product.ID).Inc()
		}
		p.observe(product.ID, "served_free", start)
	}
}

func (p *Pipeline) meterPaid(meterCtx context.Context, w http.ResponseWriter, r *http.Request, route Route, account *ledger.Account, resp *UpstreamResponse, reqBody []byte, units, nominalCost decimal.Decimal, start time.Time) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	product := route.Product

	cost := nominalCost
	meta := map[string]any{"path": chi.URLParam(r, "*")}
	if route.VariableCost {
		if reported, ok := reportedCost(resp.Body); ok {
			cost = credits.QuantizeUSD(reported)
			meta["nominal_cost_usd"] = nominalCost.String()
			meta["reported_cost_usd"] = reported.String()
		}
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		key = fmt.Sprintf("%s_%s_%s", product.ID, account.ID, randomHex(32))
	}

	res, err := p.ledger.Debit(meterCtx, ledger.DebitParams{
		AccountID:      account.ID,
		ProductID:      product.ID,
		Units:          units,
		CostUSD:        cost,
		IdempotencyKey: key,
		Description:    product.Name + " usage",
		Metadata:       meta,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			// Lost the race against a concurrent debit since admission.
			balance, berr := p.ledger.Store.Balance(meterCtx, account.ID)
			if berr != nil {
				balance = decimal.Zero
			}
			p.rejectInsufficient(w, r, product, balance, cost)
			p.observe(product.ID, "rejected_balance", start)
			return
		}
		log.Error().Err(err).Str("account_id", account.ID).Str("product", product.ID).
			Msg("gateway.debit_failed")
		apierror.Write(w, r, apierror.CodeInternal, "usage could not be recorded", nil)
		p.observe(product.ID, "upstream_error", start)
		return
	}

	creditsUsed := cost.Mul(decimal.NewFromInt(credits.PerUSD))
	remaining := res.BalanceUSD.Mul(decimal.NewFromInt(credits.PerUSD)).IntPart()

	w.Header().Set(HeaderCreditsUsed, creditsUsed.String())
	w.Header().Set(HeaderCreditsBalance, fmt.Sprintf("%d", remaining))
	writeAnnotated(w, resp, "billing", map[string]any{
		"credits_used":      creditsUsed.InexactFloat64(),
		"credits_remaining": remaining,
	})

	if p.metrics != nil {
		p.metrics.ObserveDebit(product.ID, creditsUsed.InexactFloat64())
	}
	p.observe(product.ID, "served_paid", start)
	p.captureDebug(account, r, reqBody, resp)
}

// identify resolves the API key header. A present-but-invalid key never
// falls through to a different account; the attempt is logged and the
// request continues anonymously, which product endpoints permit.
func (p *Pipeline) identify(r *http.Request) *ledger.Account {
	raw := r.Header.Get(auth.HeaderAPIKey)
	if raw == "" {
		return nil
	}
	account, _, err := p.auth.VerifyAPIKey(r.Context(), raw)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().
			Str("client_ip", ratelimit.ClientIP(r)).
			Msg("gateway.api_key_rejected")
		return nil
	}
	return account
}

func (p *Pipeline) rejectInsufficient(w http.ResponseWriter, r *http.Request, product credits.Product, balance, cost decimal.Decimal) {
	if p.metrics != nil {
		p.metrics.BalanceRejections.WithLabelValues(product.ID).Inc()
	}
	perUSD := decimal.NewFromInt(credits.PerUSD)
	apierror.Write(w, r, apierror.CodeInsufficientCredits,
		fmt.Sprintf("this call costs %s", credits.FormatCost(cost.Mul(perUSD))),
		map[string]any{
			"balance_credits":  balance.Mul(perUSD).InexactFloat64(),
			"required_credits": cost.Mul(perUSD).InexactFloat64(),
			"topup_url":        p.topupURL,
		})
}

func (p *Pipeline) rejectQuota(w http.ResponseWriter, r *http.Request, product credits.Product, check *quota.CheckResult, units int64) {
	window := "daily"
	if check.UsedMonthly+units > check.LimitMonthly {
		window = "monthly"
	}
	if p.metrics != nil {
		p.metrics.QuotaRejectionsTotal.WithLabelValues(product.ID, window).Inc()
	}
	resetsAt := check.ResetDaily
	if window == "monthly" {
		resetsAt = check.ResetMonthly
	}
	apierror.Write(w, r, apierror.CodeFreeLimitExceeded,
		"free tier limit reached for "+product.Name,
		map[string]any{
			"remaining_daily":   check.RemainingDaily,
			"remaining_monthly": check.RemainingMonthly,
			"limit_daily":       check.LimitDaily,
			"limit_monthly":     check.LimitMonthly,
			"resets_at":         resetsAt.UTC().Format(time.RFC3339),
		})
}

// writeFree annotates the anonymous response with the post-call counters.
func (p *Pipeline) writeFree(w http.ResponseWriter, resp *UpstreamResponse, check *quota.CheckResult, units int64) {
	writeAnnotated(w, resp, "free_tier", map[string]any{
		"used_today":  check.UsedDaily + units,
		"limit_today": check.LimitDaily,
		"used_month":  check.UsedMonthly + units,
		"limit_month": check.LimitMonthly,
		"resets_at":   check.ResetDaily.UTC().Format(time.RFC3339),
	})
}

// captureDebug records the exchange for accounts that opted in. Background
// and best-effort.
func (p *Pipeline) captureDebug(account *ledger.Account, r *http.Request, reqBody []byte, resp *UpstreamResponse) {
	if account == nil || !account.OptInDebug {
		return
	}
	entry := &ledger.DebugLog{
		AccountID:    account.ID,
		RequestID:    logger.GetRequestID(r.Context()),
		Method:       r.Method,
		Path:         r.URL.Path,
		RequestBody:  string(clip(reqBody, debugBodyLimit)),
		ResponseBody: string(clip(resp.Body, debugBodyLimit)),
		Status:       resp.Status,
	}
	log := logger.FromContext(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.ledger.Store.InsertDebugLog(ctx, entry); err != nil {
			log.Warn().Err(err).Msg("gateway.debug_capture_failed")
		}
	}()
}

func (p *Pipeline) observe(product, outcome string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveRequest(product, outcome, time.Since(start))
	}
}

func (p *Pipeline) countUpstreamError(product, kind string) {
	if p.metrics != nil {
		p.metrics.UpstreamErrors.WithLabelValues(product, kind).Inc()
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return body, nil
}

// reportedCost extracts meta.cost_usd from a variable-cost upstream
// response. Accepts both string and numeric encodings.
func reportedCost(body []byte) (decimal.Decimal, bool) {
	var doc struct {
		Meta struct {
			CostUSD json.Number `json:"cost_usd"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Meta.CostUSD == "" {
		return decimal.Zero, false
	}
	cost, err := decimal.NewFromString(doc.Meta.CostUSD.String())
	if err != nil || cost.IsNegative() {
		return decimal.Zero, false
	}
	return cost, true
}

// writeAnnotated injects one object into the upstream JSON body under key.
// Non-object bodies pass through untouched; headers still carry the data.
func writeAnnotated(w http.ResponseWriter, resp *UpstreamResponse, key string, value map[string]any) {
	var doc map[string]any
	if err := json.Unmarshal(resp.Body, &doc); err != nil || doc == nil {
		writeRaw(w, resp)
		return
	}
	doc[key] = value
	buf, err := json.Marshal(doc)
	if err != nil {
		writeRaw(w, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.Status)
	w.Write(buf)
}

func writeRaw(w http.ResponseWriter, resp *UpstreamResponse) {
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func clip(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("gateway: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
