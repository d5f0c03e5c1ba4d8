// Package credits is the orchestration facade over the ledger store, cache,
// rate limiter and retry executor. The HTTP layer and the admin CLI go
// through this package; nothing else touches the store directly except the
// reconciliation auditor.
package credits

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/credit-ledger/internal/cache"
	"github.com/tokligence/credit-ledger/internal/ledger"
	"github.com/tokligence/credit-ledger/internal/metrics"
	"github.com/tokligence/credit-ledger/internal/pricing"
	"github.com/tokligence/credit-ledger/internal/ratelimit"
	"github.com/tokligence/credit-ledger/internal/retry"
)

const (
	// DefaultWelcomeBonusCents is the one-time signup grant ($20.00).
	DefaultWelcomeBonusCents int64 = 2000

	// DefaultBalanceTTL bounds how stale a cached balance may get.
	DefaultBalanceTTL = 2 * time.Minute
	// DefaultHistoryTTL bounds cached transaction pages.
	DefaultHistoryTTL = 1 * time.Minute
	// DefaultKeyTTL bounds cached API key validations.
	DefaultKeyTTL = 10 * time.Minute

	// historyFetchSize is the page cached per user; requests within it are
	// served by slicing, larger requests bypass the cache.
	historyFetchSize = 50

	apiKeyPrefixBytes = 4
	apiKeySecretBytes = 24
)

// LegacySource fetches account snapshots from the external metadata provider
// during migration. Implemented by provider.Client.
type LegacySource interface {
	FetchAccount(ctx context.Context, userID string) (*ledger.Account, []ledger.Transaction, error)
}

// Config wires the service's collaborators. Store, Cache and Limiter are
// required; the rest default sensibly.
type Config struct {
	Store   ledger.Store
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter
	Retry   retry.Options
	Cost    pricing.CostFunc
	Metrics *metrics.Collector
	Legacy  LegacySource

	WelcomeBonusCents   int64 // default DefaultWelcomeBonusCents
	DefaultBalanceCents int64 // returned when the store is unreachable

	BalanceTTL time.Duration
	HistoryTTL time.Duration
	KeyTTL     time.Duration
}

// Service exposes the credit operations.
type Service struct {
	store   ledger.Store
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	retry   retry.Options
	cost    pricing.CostFunc
	metrics *metrics.Collector
	legacy  LegacySource

	welcomeBonusCents   int64
	defaultBalanceCents int64
	balanceTTL          time.Duration
	historyTTL          time.Duration
	keyTTL              time.Duration
}

// New validates cfg and returns the service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("credits: store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("credits: cache is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("credits: limiter is required")
	}
	s := &Service{
		store:               cfg.Store,
		cache:               cfg.Cache,
		limiter:             cfg.Limiter,
		retry:               cfg.Retry,
		cost:                cfg.Cost,
		metrics:             cfg.Metrics,
		legacy:              cfg.Legacy,
		welcomeBonusCents:   cfg.WelcomeBonusCents,
		defaultBalanceCents: cfg.DefaultBalanceCents,
		balanceTTL:          cfg.BalanceTTL,
		historyTTL:          cfg.HistoryTTL,
		keyTTL:              cfg.KeyTTL,
	}
	if s.welcomeBonusCents <= 0 {
		s.welcomeBonusCents = DefaultWelcomeBonusCents
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector()
	}
	if s.balanceTTL <= 0 {
		s.balanceTTL = DefaultBalanceTTL
	}
	if s.historyTTL <= 0 {
		s.historyTTL = DefaultHistoryTTL
	}
	if s.keyTTL <= 0 {
		s.keyTTL = DefaultKeyTTL
	}
	return s, nil
}

func balanceKey(userID string) string { return "balance:" + userID }
func historyKey(userID string) string { return "history:" + userID }
func apiKeyKey(hash string) string    { return "apikey:" + hash }

// GetBalance returns the user's balance in cents, serving from cache when
// fresh. The store read runs at critical priority with retries; when every
// attempt fails the configured default is returned instead of an error, so a
// flaky store never blocks spend decisions outright.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}
	if v, ok := s.cache.Get(balanceKey(userID)); ok {
		s.metrics.RecordCacheHit()
		return v.(int64), nil
	}
	s.metrics.RecordCacheMiss()

	v, err := s.limiter.Execute(ctx, ratelimit.PriorityCritical, func(ctx context.Context) (any, error) {
		var balance int64
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			acct, err := s.store.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			if acct == nil {
				balance = 0
				return nil
			}
			balance = acct.BalanceCents
			return nil
		})
		return balance, err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			s.metrics.RecordRetryExhaustion()
		}
		s.metrics.RecordSafeDefault()
		log.Printf("[credits] WARN balance read failed for %s, serving default %s: %v",
			userID, ledger.Dollars(s.defaultBalanceCents), err)
		return s.defaultBalanceCents, nil
	}
	balance := v.(int64)
	s.cache.Set(balanceKey(userID), balance, s.balanceTTL)
	return balance, nil
}

// Credit adds cents (> 0) to the user's balance and returns the appended
// transaction.
func (s *Service) Credit(ctx context.Context, userID string, cents int64, kind ledger.Kind, description string, meta ledger.Metadata) (*ledger.Transaction, error) {
	if cents <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", cents)
	}
	tx := ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		AmountCents: cents,
		Description: description,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Credit(ctx, tx); err != nil {
		return nil, err
	}
	s.metrics.RecordCredit(cents)
	s.invalidateUser(userID)
	return &tx, nil
}

// Charge deducts cents (> 0) from the user's balance. Insufficient funds
// surface as *ledger.InsufficientCreditsError with nothing written.
func (s *Service) Charge(ctx context.Context, userID string, cents int64, description string, meta ledger.Metadata) (*ledger.Transaction, error) {
	if cents <= 0 {
		return nil, fmt.Errorf("charge amount must be positive, got %d", cents)
	}
	tx := ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        ledger.KindUsageCharge,
		AmountCents: -cents,
		Description: description,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Charge(ctx, tx); err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			s.metrics.RecordChargeRejected()
		}
		return nil, err
	}
	model, _ := meta["model"].(string)
	s.metrics.RecordCharge(model, cents)
	s.invalidateUser(userID)
	return &tx, nil
}

// ChargeForUsage prices a metered call and charges it. Zero-cost calls write
// nothing and return a nil transaction.
func (s *Service) ChargeForUsage(ctx context.Context, userID, model string, inputTokens, outputTokens int64) (*ledger.Transaction, error) {
	if s.cost == nil {
		return nil, errors.New("credits: no pricing configured")
	}
	cents, err := s.cost(model, inputTokens, outputTokens)
	if err != nil {
		return nil, err
	}
	if cents == 0 {
		return nil, nil
	}
	return s.Charge(ctx, userID, cents, "api usage", ledger.Metadata{
		"model":         model,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
	})
}

// GrantWelcomeBonus credits the one-time signup bonus. It is idempotent:
// repeated and concurrent calls grant at most once per user, ever.
func (s *Service) GrantWelcomeBonus(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, errors.New("user id required")
	}
	tx := ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        ledger.KindBonusCredit,
		AmountCents: s.welcomeBonusCents,
		Description: ledger.WelcomeBonusDescription,
		CreatedAt:   time.Now().UTC(),
	}
	granted, err := s.store.CreditOnce(ctx, tx, "welcome_bonus:"+userID)
	if err != nil {
		return false, err
	}
	if granted {
		s.metrics.RecordCredit(s.welcomeBonusCents)
		s.invalidateUser(userID)
	}
	return granted, nil
}

// TransactionHistory returns the newest transactions for the user. Pages
// within the cached window are sliced from one cached fetch; larger requests
// go straight to the store.
func (s *Service) TransactionHistory(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 || limit > historyFetchSize {
		return s.store.ListTransactions(ctx, userID, limit)
	}
	if v, ok := s.cache.Get(historyKey(userID)); ok {
		s.metrics.RecordCacheHit()
		entries := v.([]ledger.Transaction)
		if limit < len(entries) {
			entries = entries[:limit]
		}
		return entries, nil
	}
	s.metrics.RecordCacheMiss()
	entries, err := s.store.ListTransactions(ctx, userID, historyFetchSize)
	if err != nil {
		return nil, err
	}
	s.cache.Set(historyKey(userID), entries, s.historyTTL)
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

// IssueAPIKey mints a new key for the user. The raw secret is returned
// exactly once; only its SHA-256 digest is stored.
func (s *Service) IssueAPIKey(ctx context.Context, userID, name string) (*ledger.APIKey, string, error) {
	if userID == "" {
		return nil, "", errors.New("user id required")
	}
	raw := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	secret := "clk_" + hex.EncodeToString(raw)
	key := ledger.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   hashSecret(secret),
		KeyPrefix: secret[:4+2*apiKeyPrefixBytes],
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return &key, secret, nil
}

// ValidateAPIKey resolves a raw secret to its active key, serving repeated
// validations from cache. The usage-count bump is queued at low priority and
// may be dropped under load; it never holds up the caller.
func (s *Service) ValidateAPIKey(ctx context.Context, secret string) (*ledger.APIKey, error) {
	if secret == "" {
		return nil, ledger.ErrInvalidAPIKey
	}
	hash := hashSecret(secret)
	if v, ok := s.cache.Get(apiKeyKey(hash)); ok {
		s.metrics.RecordCacheHit()
		key := v.(ledger.APIKey)
		s.touchAsync(key.ID)
		return &key, nil
	}
	s.metrics.RecordCacheMiss()

	key, err := s.store.FindAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive {
		return nil, ledger.ErrInvalidAPIKey
	}
	s.cache.Set(apiKeyKey(hash), *key, s.keyTTL)
	s.touchAsync(key.ID)
	return key, nil
}

// touchAsync records key usage without blocking validation. Queued at low
// priority; abandoned silently when the limiter is saturated or closed.
func (s *Service) touchAsync(keyID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := s.limiter.Execute(ctx, ratelimit.PriorityLow, func(ctx context.Context) (any, error) {
			return nil, s.store.TouchAPIKey(ctx, keyID)
		})
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ratelimit.ErrClosed) {
			log.Printf("[credits] WARN touch api key %s: %v", keyID, err)
		}
	}()
}

// ListAPIKeys returns all of the user's keys, revoked ones included.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]ledger.APIKey, error) {
	return s.store.ListAPIKeys(ctx, userID)
}

// DeactivateAPIKey revokes the key and drops its cached validation so the
// revocation takes effect on this replica immediately.
func (s *Service) DeactivateAPIKey(ctx context.Context, userID, keyID string) error {
	key, err := s.store.GetAPIKey(ctx, userID, keyID)
	if err != nil {
		return err
	}
	if key != nil {
		s.cache.Delete(apiKeyKey(key.KeyHash))
	}
	return s.store.DeactivateAPIKey(ctx, userID, keyID)
}

// MigrateUser imports the user's balance from the legacy provider as a
// single credit transaction. Idempotent under a per-user dedupe key, so
// re-running a migration never double-credits.
func (s *Service) MigrateUser(ctx context.Context, userID string) (bool, error) {
	if s.legacy == nil {
		return false, errors.New("credits: no legacy provider configured")
	}
	if userID == "" {
		return false, errors.New("user id required")
	}

	v, err := s.limiter.Execute(ctx, ratelimit.PriorityHigh, func(ctx context.Context) (any, error) {
		var acct *ledger.Account
		var legacyTxs []ledger.Transaction
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			var err error
			acct, legacyTxs, err = s.legacy.FetchAccount(ctx, userID)
			return err
		})
		if err != nil {
			return nil, err
		}
		return []any{acct, legacyTxs}, nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			s.metrics.RecordRetryExhaustion()
		}
		return false, err
	}
	pair := v.([]any)
	acct, _ := pair[0].(*ledger.Account)
	legacyTxs, _ := pair[1].([]ledger.Transaction)
	if acct == nil {
		return false, fmt.Errorf("user %s not found at legacy provider", userID)
	}
	if acct.BalanceCents <= 0 {
		return false, nil
	}

	tx := ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        ledger.KindCreditPurchase,
		AmountCents: acct.BalanceCents,
		Description: "legacy balance migration",
		Metadata: ledger.Metadata{
			"source":              "legacy_provider",
			"legacy_transactions": int64(len(legacyTxs)),
		},
		CreatedAt: time.Now().UTC(),
	}
	granted, err := s.store.CreditOnce(ctx, tx, "migration:"+userID)
	if err != nil {
		return false, err
	}
	if granted {
		s.metrics.RecordCredit(acct.BalanceCents)
		s.invalidateUser(userID)
		log.Printf("[credits] migrated %s for user %s from legacy provider",
			ledger.Dollars(acct.BalanceCents), userID)
	}
	return granted, nil
}

// WarmCache pre-populates balances for every known user.
func (s *Service) WarmCache(ctx context.Context) (int, error) {
	ids, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	warmed := 0
	for _, id := range ids {
		acct, err := s.store.GetAccount(ctx, id)
		if err != nil {
			return warmed, err
		}
		if acct == nil {
			continue
		}
		s.cache.Set(balanceKey(id), acct.BalanceCents, s.balanceTTL)
		warmed++
	}
	return warmed, nil
}

// ClearUserCache drops every cached entry for the user.
func (s *Service) ClearUserCache(userID string) {
	s.invalidateUser(userID)
}

// ClearCache drops the whole cache.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

func (s *Service) invalidateUser(userID string) {
	s.cache.Delete(balanceKey(userID))
	s.cache.Delete(historyKey(userID))
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
