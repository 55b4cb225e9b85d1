package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store used by tests. A single mutex stands in
// for the row locks of the Postgres implementation; the idempotency and
// balance invariants are the same.
type MemoryStore struct {
	mu sync.Mutex

	accounts     map[string]*Account
	byEmail      map[string]string
	byTelegram   map[int64]string
	bySubject    map[string]string
	magicLinks   map[string]magicLink // token hash -> link
	transactions map[string]*Transaction
	byKey        map[string]*Transaction
	usageLogs    []UsageLog
	auditLogs    []AuditLog
	debugLogs    []DebugLog
	apiKeys      map[string]*APIKey

	// CreatedAt override for new accounts, used to test progressive limits.
	NowFunc func() time.Time
}

type magicLink struct {
	accountID string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		byEmail:      make(map[string]string),
		byTelegram:   make(map[int64]string),
		bySubject:    make(map[string]string),
		magicLinks:   make(map[string]magicLink),
		transactions: make(map[string]*Transaction),
		byKey:        make(map[string]*Transaction),
		apiKeys:      make(map[string]*APIKey),
		NowFunc:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) newAccount() *Account {
	now := s.NowFunc()
	return &Account{
		ID:           uuid.NewString(),
		BalanceUSD:   decimal.Zero,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func (s *MemoryStore) GetOrCreateAccountByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	if id, ok := s.byEmail[email]; ok {
		a := s.accounts[id]
		a.LastActiveAt = s.NowFunc()
		return copyAccount(a), nil
	}
	a := s.newAccount()
	a.Email = email
	s.accounts[a.ID] = a
	s.byEmail[email] = a.ID
	return copyAccount(a), nil
}

func (s *MemoryStore) GetOrCreateAccountByTelegram(ctx context.Context, telegramID int64) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byTelegram[telegramID]; ok {
		a := s.accounts[id]
		a.LastActiveAt = s.NowFunc()
		return copyAccount(a), nil
	}
	a := s.newAccount()
	tg := telegramID
	a.TelegramID = &tg
	s.accounts[a.ID] = a
	s.byTelegram[telegramID] = a.ID
	return copyAccount(a), nil
}

func (s *MemoryStore) GetOrCreateAccountByOAuth(ctx context.Context, subject, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.bySubject[subject]; ok {
		a := s.accounts[id]
		a.LastActiveAt = s.NowFunc()
		return copyAccount(a), nil
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if id, ok := s.byEmail[email]; ok && email != "" {
		a := s.accounts[id]
		if a.OAuthSubject != "" {
			return nil, fmt.Errorf("ledger: email %s is bound to a different oauth subject", email)
		}
		a.OAuthSubject = subject
		a.LastActiveAt = s.NowFunc()
		s.bySubject[subject] = a.ID
		return copyAccount(a), nil
	}
	a := s.newAccount()
	a.OAuthSubject = subject
	a.Email = email
	s.accounts[a.ID] = a
	s.bySubject[subject] = a.ID
	if email != "" {
		s.byEmail[email] = a.ID
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) TouchAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[id]; ok {
		a.LastActiveAt = s.NowFunc()
	}
	return nil
}

func (s *MemoryStore) SetDebugOptIn(ctx context.Context, id string, optIn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.OptInDebug = optIn
	return nil
}

func (s *MemoryStore) SetMagicLink(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return ErrNotFound
	}
	// One active link per account: drop any previous token.
	for hash, link := range s.magicLinks {
		if link.accountID == accountID {
			delete(s.magicLinks, hash)
		}
	}
	s.magicLinks[tokenHash] = magicLink{accountID: accountID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) ConsumeMagicLink(ctx context.Context, tokenHash string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.magicLinks[tokenHash]
	if !ok || s.NowFunc().After(link.expiresAt) {
		return nil, ErrMagicLinkInvalid
	}
	delete(s.magicLinks, tokenHash)
	a := s.accounts[link.accountID]
	a.LastActiveAt = s.NowFunc()
	return copyAccount(a), nil
}

func (s *MemoryStore) Credit(ctx context.Context, p CreditParams) (*MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[p.IdempotencyKey]; ok {
		a := s.accounts[existing.AccountID]
		return &MutationResult{Transaction: copyTransaction(existing), BalanceUSD: a.BalanceUSD, Duplicate: true}, nil
	}

	a, ok := s.accounts[p.AccountID]
	if !ok {
		return nil, ErrNotFound
	}

	amount := p.AmountUSD.RoundBank(usdScale)
	entry := &Transaction{
		ID:             uuid.NewString(),
		AccountID:      p.AccountID,
		AmountUSD:      amount,
		Type:           p.Type,
		ProductID:      p.ProductID,
		IdempotencyKey: p.IdempotencyKey,
		Description:    p.Description,
		CreatedAt:      s.NowFunc(),
	}
	s.transactions[entry.ID] = entry
	s.byKey[p.IdempotencyKey] = entry
	a.BalanceUSD = a.BalanceUSD.Add(amount)
	a.LastActiveAt = entry.CreatedAt

	return &MutationResult{Transaction: copyTransaction(entry), BalanceUSD: a.BalanceUSD}, nil
}

func (s *MemoryStore) Debit(ctx context.Context, p DebitParams) (*MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[p.IdempotencyKey]; ok {
		a := s.accounts[existing.AccountID]
		return &MutationResult{Transaction: copyTransaction(existing), BalanceUSD: a.BalanceUSD, Duplicate: true}, nil
	}

	a, ok := s.accounts[p.AccountID]
	if !ok {
		return nil, ErrNotFound
	}

	cost := p.CostUSD.RoundBank(usdScale)
	if a.BalanceUSD.LessThan(cost) {
		return nil, ErrInsufficientBalance
	}

	now := s.NowFunc()
	s.usageLogs = append(s.usageLogs, UsageLog{
		ID:        int64(len(s.usageLogs) + 1),
		AccountID: p.AccountID,
		ProductID: p.ProductID,
		Units:     p.Units,
		CostUSD:   cost,
		Metadata:  p.Metadata,
		CreatedAt: now,
	})

	entry := &Transaction{
		ID:             uuid.NewString(),
		AccountID:      p.AccountID,
		AmountUSD:      cost.Neg(),
		Type:           TxUsage,
		ProductID:      p.ProductID,
		IdempotencyKey: p.IdempotencyKey,
		Description:    p.Description,
		CreatedAt:      now,
	}
	s.transactions[entry.ID] = entry
	s.byKey[p.IdempotencyKey] = entry
	a.BalanceUSD = a.BalanceUSD.Sub(cost)
	a.LastActiveAt = now

	return &MutationResult{Transaction: copyTransaction(entry), BalanceUSD: a.BalanceUSD}, nil
}

func (s *MemoryStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return a.BalanceUSD, nil
}

func (s *MemoryStore) FindTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byKey[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransaction(t), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []Transaction
	for _, t := range s.transactions {
		if t.AccountID == accountID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UsageSummary(ctx context.Context, accountID, month string) ([]UsageSummaryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := make(map[string]*UsageSummaryRow)
	for _, u := range s.usageLogs {
		if u.AccountID != accountID || u.CreatedAt.UTC().Format("2006-01") != month {
			continue
		}
		row, ok := agg[u.ProductID]
		if !ok {
			row = &UsageSummaryRow{ProductID: u.ProductID}
			agg[u.ProductID] = row
		}
		row.Units = row.Units.Add(u.Units)
		row.CostUSD = row.CostUSD.Add(u.CostUSD)
		row.Calls++
	}

	products := make([]string, 0, len(agg))
	for id := range agg {
		products = append(products, id)
	}
	sort.Strings(products)

	out := make([]UsageSummaryRow, 0, len(agg))
	for _, id := range products {
		out = append(out, *agg[id])
	}
	return out, nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *APIKey
	for _, k := range s.apiKeys {
		if k.Prefix == prefix && k.Active {
			if newest == nil || k.CreatedAt.After(newest.CreatedAt) {
				newest = k
			}
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context, accountID string) ([]APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []APIKey
	for _, k := range s.apiKeys {
		if k.AccountID == accountID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeactivateAPIKey(ctx context.Context, accountID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[keyID]
	if !ok || k.AccountID != accountID {
		return ErrNotFound
	}
	k.Active = false
	return nil
}

func (s *MemoryStore) TouchAPIKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.apiKeys[keyID]; ok {
		now := s.NowFunc()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) InsertAuditLog(ctx context.Context, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.ID = int64(len(s.auditLogs) + 1)
	cp.CreatedAt = s.NowFunc()
	s.auditLogs = append(s.auditLogs, cp)
	return nil
}

func (s *MemoryStore) InsertDebugLog(ctx context.Context, entry *DebugLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.ID = int64(len(s.debugLogs) + 1)
	cp.CreatedAt = s.NowFunc()
	s.debugLogs = append(s.debugLogs, cp)
	return nil
}

// AuditLogs returns a snapshot of recorded audit entries, for tests.
func (s *MemoryStore) AuditLogs() []AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditLog(nil), s.auditLogs...)
}

// DebugLogs returns a snapshot of recorded debug entries, for tests.
func (s *MemoryStore) DebugLogs() []DebugLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DebugLog(nil), s.debugLogs...)
}

// UsageLogs returns a snapshot of recorded usage entries, for tests.
func (s *MemoryStore) UsageLogs() []UsageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UsageLog(nil), s.usageLogs...)
}

// SetBalance force-sets an account balance, bypassing the ledger. Tests only.
func (s *MemoryStore) SetBalance(accountID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[accountID]; ok {
		a.BalanceUSD = balance
	}
}

// SetAutoRecharge configures the auto-recharge threshold for tests.
func (s *MemoryStore) SetAutoRecharge(accountID string, threshold, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[accountID]; ok {
		a.AutoRechargeThreshold = &threshold
		a.AutoRechargeAmount = &amount
	}
}

func copyAccount(a *Account) *Account {
	cp := *a
	return &cp
}

func copyTransaction(t *Transaction) *Transaction {
	cp := *t
	return &cp
}
