package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType tags a ledger transaction. The set is closed; refunds are credits
// with a negative amount, not a separate mutation path.
type TxType string

const (
	TxTopup      TxType = "topup"
	TxUsage      TxType = "usage"
	TxRefund     TxType = "refund"
	TxAdjustment TxType = "adjustment"
)

// Account is a billing identity. An account has at most one of a Telegram
// identity, an OAuth subject, or an email-only login. Balance is never
// mutated outside a committed ledger transaction.
type Account struct {
	ID           string
	Email        string
	TelegramID   *int64
	OAuthSubject string

	BalanceUSD decimal.Decimal

	AutoRechargeThreshold *decimal.Decimal
	AutoRechargeAmount    *decimal.Decimal

	OptInDebug bool

	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Transaction is an append-only ledger entry. Positive amounts are credits,
// negative amounts are debits. Rows are never updated or deleted.
type Transaction struct {
	ID             string
	AccountID      string
	AmountUSD      decimal.Decimal
	Type           TxType
	ProductID      string
	IdempotencyKey string
	Description    string
	CreatedAt      time.Time
}

// UsageLog accompanies every usage transaction, written in the same database
// transaction.
type UsageLog struct {
	ID        int64
	AccountID string
	ProductID string
	Units     decimal.Decimal
	CostUSD   decimal.Decimal
	Metadata  map[string]any
	CreatedAt time.Time
}

// AuditLog records security-relevant events (logins, key creation,
// auto-recharge triggers).
type AuditLog struct {
	ID        int64
	Action    string
	AccountID string
	RequestID string
	IP        string
	UserAgent string
	Metadata  map[string]any
	CreatedAt time.Time
}

// DebugLog stores redacted request/response captures for accounts that
// opted in to debug tracing.
type DebugLog struct {
	ID           int64
	AccountID    string
	RequestID    string
	Method       string
	Path         string
	RequestBody  string
	ResponseBody string
	Status       int
	CreatedAt    time.Time
}

// APIKey belongs to exactly one account. Only the keyed hash of the secret
// is stored; the raw secret exists client-side only.
type APIKey struct {
	ID         string
	AccountID  string
	Prefix     string
	SecretHash string
	Label      string
	Scopes     []string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// CreditParams describes a credit mutation (topup, refund, adjustment).
// Amount may be negative for refund reversals.
type CreditParams struct {
	AccountID      string
	AmountUSD      decimal.Decimal
	Type           TxType
	ProductID      string
	IdempotencyKey string
	Description    string
}

// DebitParams describes a usage debit.
type DebitParams struct {
	AccountID      string
	ProductID      string
	Units          decimal.Decimal
	CostUSD        decimal.Decimal
	IdempotencyKey string
	Description    string
	Metadata       map[string]any
}

// MutationResult is returned by both Credit and Debit. Duplicate reports
// that the idempotency key had already been used; in that case Transaction
// is the pre-existing row and BalanceUSD the current balance, unchanged by
// this call.
type MutationResult struct {
	Transaction *Transaction
	BalanceUSD  decimal.Decimal
	Duplicate   bool
}

// UsageSummaryRow aggregates usage per product for one calendar month.
type UsageSummaryRow struct {
	ProductID string
	Units     decimal.Decimal
	CostUSD   decimal.Decimal
	Calls     int64
}
