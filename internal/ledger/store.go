package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Common store errors. Handlers map these to API error codes.
var (
	// ErrInsufficientBalance is returned by Debit when the account cannot
	// cover the cost. Nothing is written.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrNotFound is returned for lookups that matched nothing.
	ErrNotFound = errors.New("ledger: not found")

	// ErrMagicLinkInvalid is returned when a magic-link token is unknown,
	// already consumed, or past its absolute expiry.
	ErrMagicLinkInvalid = errors.New("ledger: magic link invalid or expired")
)

// Store is the persistence boundary for accounts, keys, and the ledger
// proper. The Postgres implementation is authoritative; the memory
// implementation backs tests.
type Store interface {
	// Account resolution. Each is idempotent on its natural key and
	// creates the account on first identification.
	GetOrCreateAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetOrCreateAccountByTelegram(ctx context.Context, telegramID int64) (*Account, error)
	GetOrCreateAccountByOAuth(ctx context.Context, subject, email string) (*Account, error)

	GetAccount(ctx context.Context, id string) (*Account, error)
	TouchAccount(ctx context.Context, id string) error
	SetDebugOptIn(ctx context.Context, id string, optIn bool) error

	// Magic link lifecycle. Set stores the token hash with an absolute
	// expiry; Consume atomically reads and clears it.
	SetMagicLink(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error
	ConsumeMagicLink(ctx context.Context, tokenHash string) (*Account, error)

	// Ledger mutations. Both are idempotent on the key: a duplicate key
	// returns the existing transaction and the unchanged balance.
	Credit(ctx context.Context, p CreditParams) (*MutationResult, error)
	Debit(ctx context.Context, p DebitParams) (*MutationResult, error)

	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	FindTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	UsageSummary(ctx context.Context, accountID, month string) ([]UsageSummaryRow, error)

	// API keys.
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, accountID string) ([]APIKey, error)
	DeactivateAPIKey(ctx context.Context, accountID, keyID string) error
	TouchAPIKey(ctx context.Context, keyID string) error

	// Diagnostics. Failures here must never fail the request path.
	InsertAuditLog(ctx context.Context, entry *AuditLog) error
	InsertDebugLog(ctx context.Context, entry *DebugLog) error
}
