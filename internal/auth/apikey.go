package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/KikuAI/gateway/internal/ledger"
)

// HeaderAPIKey is the header metered endpoints read the key from.
const HeaderAPIKey = "X-API-Key"

// CreatedKey is returned once at creation time. The raw secret is never
// stored or shown again.
type CreatedKey struct {
	Key    ledger.APIKey
	Secret string // full "<prefix>_<secret>" value
}

// CreateAPIKey mints a key for the account: an 8-hex-char lookup prefix
// under the configured namespace plus a 256-bit secret. Only the keyed hash
// of the secret is persisted.
func (s *Service) CreateAPIKey(ctx context.Context, accountID, label string, scopes []string) (*CreatedKey, error) {
	prefix := s.cfg.APIKeyPrefix + randomHex(4)
	secret := randomHex(32)

	key := ledger.APIKey{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Prefix:     prefix,
		SecretHash: s.hashSecret(secret),
		Label:      label,
		Scopes:     scopes,
		Active:     true,
		CreatedAt:  s.nowFunc(),
	}
	if err := s.store.CreateAPIKey(ctx, &key); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}

	return &CreatedKey{
		Key:    key,
		Secret: prefix + "_" + secret,
	}, nil
}

// VerifyAPIKey resolves a raw "<prefix>_<secret>" key to its account.
// Returns ErrInvalidCredentials for malformed, unknown, inactive, or
// mismatched keys, without distinguishing which.
func (s *Service) VerifyAPIKey(ctx context.Context, raw string) (*ledger.Account, *ledger.APIKey, error) {
	prefix, secret, found := strings.Cut(raw, "_")
	if !found || prefix == "" || secret == "" {
		s.observe("api_key", "malformed")
		return nil, nil, ErrInvalidCredentials
	}

	key, err := s.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		s.observe("api_key", "unknown_prefix")
		return nil, nil, ErrInvalidCredentials
	}

	expected, err := hex.DecodeString(key.SecretHash)
	if err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(secret))
	if !hmac.Equal(mac.Sum(nil), expected) {
		s.observe("api_key", "bad_secret")
		return nil, nil, ErrInvalidCredentials
	}

	account, err := s.store.GetAccount(ctx, key.AccountID)
	if err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	// last_used_at is bookkeeping; it must not add latency to the request.
	go func(keyID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchAPIKey(ctx, keyID); err != nil {
			log.Debug().Err(err).Str("key_id", keyID).Msg("auth.touch_api_key_failed")
		}
	}(key.ID)

	s.observe("api_key", "ok")
	return account, key, nil
}

// ListAPIKeys returns the account's keys, hashes omitted by the handler.
func (s *Service) ListAPIKeys(ctx context.Context, accountID string) ([]ledger.APIKey, error) {
	return s.store.ListAPIKeys(ctx, accountID)
}

// RevokeAPIKey soft-deletes a key owned by the account.
func (s *Service) RevokeAPIKey(ctx context.Context, accountID, keyID string) error {
	return s.store.DeactivateAPIKey(ctx, accountID, keyID)
}

func (s *Service) hashSecret(secret string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// randomHex returns n random bytes hex-encoded (2n characters).
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process cannot safely mint secrets.
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
