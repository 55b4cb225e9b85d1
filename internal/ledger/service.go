package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/logger"
	"github.com/KikuAI/gateway/internal/metrics"
)

// AuditAutoRechargeTriggered is recorded when a debit drops the balance to
// or below the account's auto-recharge threshold. The recharge itself is
// driven externally; the audit row is the trigger signal.
const AuditAutoRechargeTriggered = "AUTO_RECHARGE_TRIGGERED"

// Service composes the authoritative store with the advisory balance cache
// and the post-commit hooks that must not affect transaction outcomes.
type Service struct {
	Store   Store
	cache   *BalanceCache
	metrics *metrics.Metrics
}

// NewService wires the ledger service. cache and m may be nil.
func NewService(store Store, cache *BalanceCache, m *metrics.Metrics) *Service {
	return &Service{Store: store, cache: cache, metrics: m}
}

// Credit applies a topup, refund, or adjustment, then refreshes the balance
// mirror.
func (s *Service) Credit(ctx context.Context, p CreditParams) (*MutationResult, error) {
	start := time.Now()
	res, err := s.Store.Credit(ctx, p)
	s.observe("credit", err, start)
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.cache.Set(ctx, p.AccountID, res.BalanceUSD)
	}
	return res, nil
}

// Debit charges usage. Post-commit work (auto-recharge audit, cache
// refresh) is best-effort: the debit has already committed and its outcome
// is final.
func (s *Service) Debit(ctx context.Context, p DebitParams) (*MutationResult, error) {
	start := time.Now()
	res, err := s.Store.Debit(ctx, p)
	s.observe("debit", err, start)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return res, nil
	}

	s.cache.Set(ctx, p.AccountID, res.BalanceUSD)
	s.maybeAuditAutoRecharge(ctx, p.AccountID, res.BalanceUSD)
	return res, nil
}

// Balance reads the balance, preferring the cache mirror.
func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if cached, ok := s.cache.Get(ctx, accountID); ok {
		if s.metrics != nil {
			s.metrics.BalanceCacheTotal.WithLabelValues("hit").Inc()
		}
		return cached, nil
	}
	if s.metrics != nil {
		s.metrics.BalanceCacheTotal.WithLabelValues("miss").Inc()
	}
	balance, err := s.Store.Balance(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	s.cache.Set(ctx, accountID, balance)
	return balance, nil
}

func (s *Service) maybeAuditAutoRecharge(ctx context.Context, accountID string, newBalance decimal.Decimal) {
	log := logger.FromContext(ctx)
	account, err := s.Store.GetAccount(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).
			Str("account_id", accountID).
			Msg("ledger.auto_recharge_check_failed")
		return
	}
	if account.AutoRechargeThreshold == nil || newBalance.GreaterThan(*account.AutoRechargeThreshold) {
		return
	}

	entry := &AuditLog{
		Action:    AuditAutoRechargeTriggered,
		AccountID: accountID,
		RequestID: logger.GetRequestID(ctx),
		Metadata: map[string]any{
			"balance_usd":   newBalance.String(),
			"threshold_usd": account.AutoRechargeThreshold.String(),
		},
	}
	if account.AutoRechargeAmount != nil {
		entry.Metadata["recharge_amount_usd"] = account.AutoRechargeAmount.String()
	}
	if err := s.Store.InsertAuditLog(ctx, entry); err != nil {
		log.Warn().Err(err).
			Str("account_id", accountID).
			Msg("ledger.auto_recharge_audit_failed")
	}
}

func (s *Service) observe(op string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ObserveLedgerOp(op, result, time.Since(start))
}
