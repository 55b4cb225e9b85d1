package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/KikuAI/gateway/internal/credits"
)

// usdScale is the fractional precision of persisted amounts: NUMERIC(18,8).
const usdScale = 8

// PostgresStore implements Store using PostgreSQL. It expects a shared
// connection pool and does not own its lifecycle.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store on an existing pool,
// bootstraps the schema, and seeds the product catalogue.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.createTables(); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if err := store.seedProducts(); err != nil {
		return nil, fmt.Errorf("seed products: %w", err)
	}
	return store, nil
}

// createTables creates the necessary tables if they don't exist.
func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE,
			telegram_id BIGINT UNIQUE,
			oauth_subject TEXT UNIQUE,
			balance NUMERIC(18,8) NOT NULL DEFAULT 0,
			auto_recharge_threshold NUMERIC(18,8),
			auto_recharge_amount NUMERIC(18,8),
			opt_in_debug BOOLEAN NOT NULL DEFAULT FALSE,
			magic_link_hash TEXT,
			magic_link_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			prefix TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			scopes TEXT[] NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			unit_name TEXT NOT NULL,
			credits_per_unit NUMERIC(12,4) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			amount NUMERIC(18,8) NOT NULL,
			type TEXT NOT NULL,
			product_id TEXT,
			idempotency_key TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS usage_logs (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			product_id TEXT NOT NULL,
			units NUMERIC(12,4) NOT NULL,
			cost NUMERIC(18,8) NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			action TEXT NOT NULL,
			account_id TEXT,
			request_id TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS debug_logs (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			request_body TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix) WHERE active;
		CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys(account_id);
		CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_usage_logs_account_created ON usage_logs(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_account ON audit_logs(account_id) WHERE account_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_accounts_magic_link ON accounts(magic_link_hash) WHERE magic_link_hash IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// seedProducts upserts the static catalogue. Price changes apply from the
// next deploy onward; past transactions are untouched.
func (s *PostgresStore) seedProducts() error {
	for _, p := range credits.Catalog {
		_, err := s.db.Exec(`
			INSERT INTO products (id, name, unit_name, credits_per_unit, active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				unit_name = EXCLUDED.unit_name,
				credits_per_unit = EXCLUDED.credits_per_unit,
				active = EXCLUDED.active
		`, p.ID, p.Name, p.UnitName, p.CreditsPerUnit, p.Active)
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}

const accountColumns = `id, email, telegram_id, oauth_subject, balance,
	auto_recharge_threshold, auto_recharge_amount, opt_in_debug,
	created_at, last_active_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a         Account
		email     sql.NullString
		tgID      sql.NullInt64
		subject   sql.NullString
		threshold decimal.NullDecimal
		amount    decimal.NullDecimal
	)
	err := row.Scan(&a.ID, &email, &tgID, &subject, &a.BalanceUSD,
		&threshold, &amount, &a.OptInDebug, &a.CreatedAt, &a.LastActiveAt)
	if err != nil {
		return nil, err
	}
	a.Email = email.String
	if tgID.Valid {
		a.TelegramID = &tgID.Int64
	}
	a.OAuthSubject = subject.String
	if threshold.Valid {
		a.AutoRechargeThreshold = &threshold.Decimal
	}
	if amount.Valid {
		a.AutoRechargeAmount = &amount.Decimal
	}
	return &a, nil
}

// GetOrCreateAccountByEmail resolves an account by lowercased email,
// creating it on first identification.
func (s *PostgresStore) GetOrCreateAccountByEmail(ctx context.Context, email string) (*Account, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("ledger: empty email")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, email, created_at, last_active_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (email) DO UPDATE SET last_active_at = now()
		RETURNING `+accountColumns,
		uuid.NewString(), email)
	return scanAccount(row)
}

// GetOrCreateAccountByTelegram resolves an account by Telegram user id.
func (s *PostgresStore) GetOrCreateAccountByTelegram(ctx context.Context, telegramID int64) (*Account, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, telegram_id, created_at, last_active_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (telegram_id) DO UPDATE SET last_active_at = now()
		RETURNING `+accountColumns,
		uuid.NewString(), telegramID)
	return scanAccount(row)
}

// GetOrCreateAccountByOAuth resolves an account by OAuth subject. The email
// from the identity token is stored on creation for display purposes.
func (s *PostgresStore) GetOrCreateAccountByOAuth(ctx context.Context, subject, email string) (*Account, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	email = strings.ToLower(strings.TrimSpace(email))
	var emailArg any
	if email != "" {
		emailArg = email
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, oauth_subject, email, created_at, last_active_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (oauth_subject) DO UPDATE SET last_active_at = now()
		RETURNING `+accountColumns,
		uuid.NewString(), subject, emailArg)
	account, err := scanAccount(row)
	if err != nil && isUniqueViolation(err) && email != "" {
		// The email already belongs to an account created through another
		// sign-in channel. Attach the subject to that account instead of
		// failing the login.
		row = s.db.QueryRowContext(ctx, `
			UPDATE accounts SET oauth_subject = $2, last_active_at = now()
			WHERE email = $1 AND oauth_subject IS NULL
			RETURNING `+accountColumns,
			email, subject)
		linked, linkErr := scanAccount(row)
		if errors.Is(linkErr, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger: email %s is bound to a different oauth subject", email)
		}
		return linked, linkErr
	}
	return account, err
}

// GetAccount looks up an account by id.
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return account, err
}

// TouchAccount updates last_active_at.
func (s *PostgresStore) TouchAccount(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_active_at = now() WHERE id = $1`, id)
	return err
}

// SetDebugOptIn flips the debug capture flag.
func (s *PostgresStore) SetDebugOptIn(ctx context.Context, id string, optIn bool) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET opt_in_debug = $2 WHERE id = $1`, id, optIn)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMagicLink stores the single active magic-link token hash with its
// absolute expiry, replacing any previous one.
func (s *PostgresStore) SetMagicLink(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET magic_link_hash = $2, magic_link_expires_at = $3
		WHERE id = $1`,
		accountID, tokenHash, expiresAt.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeMagicLink atomically reads and clears an unexpired magic-link
// token. A second call with the same token fails.
func (s *PostgresStore) ConsumeMagicLink(ctx context.Context, tokenHash string) (*Account, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		UPDATE accounts SET magic_link_hash = NULL, magic_link_expires_at = NULL,
			last_active_at = now()
		WHERE magic_link_hash = $1 AND magic_link_expires_at > now()
		RETURNING `+accountColumns,
		tokenHash)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMagicLinkInvalid
	}
	return account, err
}

// Credit applies a signed amount to the account inside one database
// transaction. Duplicate idempotency keys return the existing transaction
// and leave the balance untouched.
func (s *PostgresStore) Credit(ctx context.Context, p CreditParams) (*MutationResult, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if dup, err := s.duplicateResult(ctx, p.IdempotencyKey, p.AccountID); err != nil {
		return nil, err
	} else if dup != nil {
		return dup, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, p.AccountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	amount := p.AmountUSD.RoundBank(usdScale)
	entry := Transaction{
		ID:             uuid.NewString(),
		AccountID:      p.AccountID,
		AmountUSD:      amount,
		Type:           p.Type,
		ProductID:      p.ProductID,
		IdempotencyKey: p.IdempotencyKey,
		Description:    p.Description,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, &entry); err != nil {
		if isUniqueViolation(err) {
			// Lost the race to another writer with the same key.
			tx.Rollback()
			return s.mustDuplicateResult(ctx, p.IdempotencyKey, p.AccountID)
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	newBalance := balance.Add(amount)
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $2, last_active_at = now() WHERE id = $1`,
		p.AccountID, newBalance); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit tx: %w", err)
	}

	return &MutationResult{Transaction: &entry, BalanceUSD: newBalance}, nil
}

// Debit charges a usage cost. The account row lock serializes concurrent
// debits; the balance check happens under the lock so the balance can never
// go negative through this path.
func (s *PostgresStore) Debit(ctx context.Context, p DebitParams) (*MutationResult, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if dup, err := s.duplicateResult(ctx, p.IdempotencyKey, p.AccountID); err != nil {
		return nil, err
	} else if dup != nil {
		return dup, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, p.AccountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	cost := p.CostUSD.RoundBank(usdScale)
	if balance.LessThan(cost) {
		return nil, ErrInsufficientBalance
	}

	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal usage metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_logs (account_id, product_id, units, cost, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		p.AccountID, p.ProductID, p.Units, cost, metadataJSON); err != nil {
		return nil, fmt.Errorf("insert usage log: %w", err)
	}

	entry := Transaction{
		ID:             uuid.NewString(),
		AccountID:      p.AccountID,
		AmountUSD:      cost.Neg(),
		Type:           TxUsage,
		ProductID:      p.ProductID,
		IdempotencyKey: p.IdempotencyKey,
		Description:    p.Description,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, &entry); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			return s.mustDuplicateResult(ctx, p.IdempotencyKey, p.AccountID)
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	newBalance := balance.Sub(cost)
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $2, last_active_at = now() WHERE id = $1`,
		p.AccountID, newBalance); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit tx: %w", err)
	}

	return &MutationResult{Transaction: &entry, BalanceUSD: newBalance}, nil
}

// duplicateResult returns the idempotent replay result if the key was
// already used, or nil when the key is fresh.
func (s *PostgresStore) duplicateResult(ctx context.Context, key, accountID string) (*MutationResult, error) {
	existing, err := s.FindTransactionByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	balance, err := s.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &MutationResult{Transaction: existing, BalanceUSD: balance, Duplicate: true}, nil
}

// mustDuplicateResult is duplicateResult after a unique-constraint race:
// the row is known to exist.
func (s *PostgresStore) mustDuplicateResult(ctx context.Context, key, accountID string) (*MutationResult, error) {
	dup, err := s.duplicateResult(ctx, key, accountID)
	if err != nil {
		return nil, err
	}
	if dup == nil {
		return nil, fmt.Errorf("ledger: transaction with key %q vanished after conflict", key)
	}
	return dup, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, entry *Transaction) error {
	var productArg any
	if entry.ProductID != "" {
		productArg = entry.ProductID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, amount, type, product_id, idempotency_key, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.AccountID, entry.AmountUSD, string(entry.Type),
		productArg, entry.IdempotencyKey, entry.Description, entry.CreatedAt)
	return err
}

// Balance reads the committed balance.
func (s *PostgresStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	return balance, err
}

// FindTransactionByKey looks up a transaction by idempotency key.
func (s *PostgresStore) FindTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, type, product_id, idempotency_key, description, created_at
		FROM transactions WHERE idempotency_key = $1`,
		idempotencyKey)
	return scanTransaction(row)
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t       Transaction
		product sql.NullString
		txType  string
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.AmountUSD, &txType,
		&product, &t.IdempotencyKey, &t.Description, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Type = TxType(txType)
	t.ProductID = product.String
	return &t, nil
}

// ListTransactions returns the most recent transactions, newest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, type, product_id, idempotency_key, description, created_at
		FROM transactions WHERE account_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UsageSummary aggregates usage per product for one UTC calendar month
// ("YYYY-MM").
func (s *PostgresStore) UsageSummary(ctx context.Context, accountID, month string) ([]UsageSummaryRow, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COALESCE(SUM(units), 0), COALESCE(SUM(cost), 0), COUNT(*)
		FROM usage_logs
		WHERE account_id = $1
		  AND to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM') = $2
		GROUP BY product_id ORDER BY product_id`,
		accountID, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageSummaryRow
	for rows.Next() {
		var r UsageSummaryRow
		if err := rows.Scan(&r.ProductID, &r.Units, &r.CostUSD, &r.Calls); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateAPIKey stores a new key record.
func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, account_id, prefix, secret_hash, label, scopes, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.AccountID, key.Prefix, key.SecretHash, key.Label,
		pq.Array(key.Scopes), key.Active, key.CreatedAt.UTC())
	return err
}

// GetAPIKeyByPrefix looks up the active key for a prefix.
func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var (
		k        APIKey
		lastUsed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, prefix, secret_hash, label, scopes, active, created_at, last_used_at
		FROM api_keys WHERE prefix = $1 AND active ORDER BY created_at DESC LIMIT 1`,
		prefix).Scan(&k.ID, &k.AccountID, &k.Prefix, &k.SecretHash, &k.Label,
		pq.Array(&k.Scopes), &k.Active, &k.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}

// ListAPIKeys returns all keys for an account, newest first.
func (s *PostgresStore) ListAPIKeys(ctx context.Context, accountID string) ([]APIKey, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, prefix, secret_hash, label, scopes, active, created_at, last_used_at
		FROM api_keys WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var (
			k        APIKey
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Prefix, &k.SecretHash, &k.Label,
			pq.Array(&k.Scopes), &k.Active, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeactivateAPIKey soft-deletes a key. The account scope prevents deleting
// another account's key by id.
func (s *PostgresStore) DeactivateAPIKey(ctx context.Context, accountID, keyID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = FALSE WHERE id = $1 AND account_id = $2`,
		keyID, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey updates last_used_at. Called asynchronously after successful
// verification.
func (s *PostgresStore) TouchAPIKey(ctx context.Context, keyID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	return err
}

// InsertAuditLog appends a security event.
func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry *AuditLog) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	var accountArg any
	if entry.AccountID != "" {
		accountArg = entry.AccountID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (action, account_id, request_id, ip, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		entry.Action, accountArg, entry.RequestID, entry.IP, entry.UserAgent, metadataJSON)
	return err
}

// InsertDebugLog appends a debug capture for an opted-in account.
func (s *PostgresStore) InsertDebugLog(ctx context.Context, entry *DebugLog) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO debug_logs (account_id, request_id, method, path, request_body, response_body, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		entry.AccountID, entry.RequestID, entry.Method, entry.Path,
		entry.RequestBody, entry.ResponseBody, entry.Status)
	return err
}

// isUniqueViolation reports a Postgres unique-constraint error (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
