package credits

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokligence/credit-ledger/internal/cache"
	"github.com/tokligence/credit-ledger/internal/ledger"
	"github.com/tokligence/credit-ledger/internal/ledger/sqlite"
	"github.com/tokligence/credit-ledger/internal/pricing"
	"github.com/tokligence/credit-ledger/internal/ratelimit"
	"github.com/tokligence/credit-ledger/internal/retry"
)

func testPricing(t *testing.T) pricing.CostFunc {
	t.Helper()
	table := pricing.NewTable(pricing.File{
		Models: []pricing.Rate{
			{Model: "gpt-4o", InputPer1K: 0.005, OutputPer1K: 0.015},
			{Model: "free-model", InputPer1K: 0, OutputPer1K: 0},
		},
	})
	return table.Cost
}

func newService(t *testing.T, mutate func(*Config)) (*Service, ledger.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	c := cache.New(time.Minute)
	limiter := ratelimit.New(ratelimit.Config{
		WindowLimit: 1000,
		Window:      time.Minute,
		PacingDelay: 0,
	})
	t.Cleanup(func() {
		limiter.Close()
		c.Close()
		_ = store.Close()
	})

	cfg := Config{
		Store:   store,
		Cache:   c,
		Limiter: limiter,
		Retry:   retry.Options{MaxRetries: 0, BaseDelay: time.Millisecond},
		Cost:    testPricing(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, cfg.Store
}

// countingStore wraps a real store and counts GetAccount calls.
type countingStore struct {
	ledger.Store
	getAccountCalls atomic.Int32
}

func (c *countingStore) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	c.getAccountCalls.Add(1)
	return c.Store.GetAccount(ctx, userID)
}

// brokenStore fails every read with a permanent error.
type brokenStore struct {
	ledger.Store
}

func (b *brokenStore) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	return nil, errors.New("database file is corrupted")
}

func TestAccountLifecycle(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	const user = "new-user"

	if bal, err := svc.GetBalance(ctx, user); err != nil || bal != 0 {
		t.Fatalf("fresh user: balance=%d err=%v", bal, err)
	}

	granted, err := svc.GrantWelcomeBonus(ctx, user)
	if err != nil || !granted {
		t.Fatalf("welcome bonus: granted=%v err=%v", granted, err)
	}
	if bal, err := svc.GetBalance(ctx, user); err != nil || bal != 2000 {
		t.Fatalf("after bonus: balance=%d err=%v", bal, err)
	}

	// 10K in + 10K out on gpt-4o: $0.05 + $0.15 = 20 cents.
	tx, err := svc.ChargeForUsage(ctx, user, "gpt-4o", 10_000, 10_000)
	if err != nil {
		t.Fatalf("ChargeForUsage: %v", err)
	}
	if tx.AmountCents != -20 {
		t.Fatalf("expected -20 cents, got %d", tx.AmountCents)
	}
	if bal, err := svc.GetBalance(ctx, user); err != nil || bal != 1980 {
		t.Fatalf("after usage: balance=%d err=%v", bal, err)
	}

	// A charge above the balance is rejected and changes nothing.
	_, err = svc.Charge(ctx, user, 2500, "big job", nil)
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.RequiredCents != 2500 || insufficient.AvailableCents != 1980 {
		t.Fatalf("unexpected rejection details: %+v", insufficient)
	}
	if bal, err := svc.GetBalance(ctx, user); err != nil || bal != 1980 {
		t.Fatalf("after rejection: balance=%d err=%v", bal, err)
	}

	history, err := svc.TransactionHistory(ctx, user, 10)
	if err != nil {
		t.Fatalf("TransactionHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(history))
	}
	if history[0].Kind != ledger.KindUsageCharge || history[1].Kind != ledger.KindBonusCredit {
		t.Fatalf("unexpected history order: %s, %s", history[0].Kind, history[1].Kind)
	}
}

func TestWelcomeBonusGrantedOnce(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	const user = "user-1"

	granted, err := svc.GrantWelcomeBonus(ctx, user)
	if err != nil || !granted {
		t.Fatalf("first grant: granted=%v err=%v", granted, err)
	}
	granted, err = svc.GrantWelcomeBonus(ctx, user)
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if granted {
		t.Fatal("bonus granted twice")
	}
	if bal, _ := svc.GetBalance(ctx, user); bal != 2000 {
		t.Fatalf("expected balance 2000, got %d", bal)
	}
}

func TestGetBalanceServedFromCache(t *testing.T) {
	var counting *countingStore
	svc, _ := newService(t, func(cfg *Config) {
		counting = &countingStore{Store: cfg.Store}
		cfg.Store = counting
	})
	ctx := context.Background()
	const user = "user-1"

	if _, err := svc.Credit(ctx, user, 1000, ledger.KindCreditPurchase, "top up", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	before := counting.getAccountCalls.Load()
	for i := 0; i < 5; i++ {
		if bal, err := svc.GetBalance(ctx, user); err != nil || bal != 1000 {
			t.Fatalf("read %d: balance=%d err=%v", i, bal, err)
		}
	}
	reads := counting.getAccountCalls.Load() - before
	if reads != 1 {
		t.Fatalf("expected a single store read, got %d", reads)
	}
}

func TestGetBalanceSafeDefaultOnFailure(t *testing.T) {
	svc, _ := newService(t, func(cfg *Config) {
		cfg.Store = &brokenStore{Store: cfg.Store}
		cfg.DefaultBalanceCents = 500
	})

	bal, err := svc.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetBalance must not fail the caller: %v", err)
	}
	if bal != 500 {
		t.Fatalf("expected safe default 500, got %d", bal)
	}
}

func TestChargeInvalidatesCachedBalance(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	const user = "user-1"

	if _, err := svc.Credit(ctx, user, 1000, ledger.KindCreditPurchase, "top up", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if bal, _ := svc.GetBalance(ctx, user); bal != 1000 {
		t.Fatalf("expected 1000, got %d", bal)
	}
	if _, err := svc.Charge(ctx, user, 400, "job", nil); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if bal, _ := svc.GetBalance(ctx, user); bal != 600 {
		t.Fatalf("stale balance after charge: %d", bal)
	}
}

func TestChargeForUsageZeroCost(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	tx, err := svc.ChargeForUsage(ctx, "user-1", "free-model", 5000, 5000)
	if err != nil {
		t.Fatalf("ChargeForUsage: %v", err)
	}
	if tx != nil {
		t.Fatalf("zero-cost usage must not write a transaction, got %+v", tx)
	}
	history, err := svc.TransactionHistory(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("TransactionHistory: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}
}

func TestAPIKeyIssueValidateRevoke(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	const user = "user-1"

	key, secret, err := svc.IssueAPIKey(ctx, user, "ci")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if secret == "" || secret[:4] != "clk_" {
		t.Fatalf("unexpected secret format: %q", secret)
	}
	if key.KeyPrefix != secret[:len(key.KeyPrefix)] {
		t.Fatalf("prefix %q does not match secret", key.KeyPrefix)
	}

	validated, err := svc.ValidateAPIKey(ctx, secret)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if validated.ID != key.ID || validated.UserID != user {
		t.Fatalf("unexpected key: %+v", validated)
	}

	// Second validation is served from cache and still succeeds.
	if _, err := svc.ValidateAPIKey(ctx, secret); err != nil {
		t.Fatalf("cached validation: %v", err)
	}

	if _, err := svc.ValidateAPIKey(ctx, "clk_bogus"); !errors.Is(err, ledger.ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}

	if err := svc.DeactivateAPIKey(ctx, user, key.ID); err != nil {
		t.Fatalf("DeactivateAPIKey: %v", err)
	}
	if _, err := svc.ValidateAPIKey(ctx, secret); !errors.Is(err, ledger.ErrInvalidAPIKey) {
		t.Fatalf("revoked key still validates: %v", err)
	}
}

func TestAPIKeyQuota(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	const user = "user-1"

	for i := 0; i < ledger.MaxActiveAPIKeys; i++ {
		if _, _, err := svc.IssueAPIKey(ctx, user, "k"); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	_, _, err := svc.IssueAPIKey(ctx, user, "overflow")
	var quota *ledger.QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
}

// fakeLegacy is an in-memory LegacySource.
type fakeLegacy struct {
	accounts map[string]*ledger.Account
	calls    atomic.Int32
}

func (f *fakeLegacy) FetchAccount(ctx context.Context, userID string) (*ledger.Account, []ledger.Transaction, error) {
	f.calls.Add(1)
	acct, ok := f.accounts[userID]
	if !ok {
		return nil, nil, nil
	}
	return acct, []ledger.Transaction{{UserID: userID, AmountCents: acct.BalanceCents}}, nil
}

func TestMigrateUserIdempotent(t *testing.T) {
	legacy := &fakeLegacy{accounts: map[string]*ledger.Account{
		"user-1": {UserID: "user-1", BalanceCents: 7500},
	}}
	svc, _ := newService(t, func(cfg *Config) {
		cfg.Legacy = legacy
	})
	ctx := context.Background()

	granted, err := svc.MigrateUser(ctx, "user-1")
	if err != nil || !granted {
		t.Fatalf("first migration: granted=%v err=%v", granted, err)
	}
	if bal, _ := svc.GetBalance(ctx, "user-1"); bal != 7500 {
		t.Fatalf("expected migrated balance 7500, got %d", bal)
	}

	granted, err = svc.MigrateUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("second migration: %v", err)
	}
	if granted {
		t.Fatal("migration credited twice")
	}
	if bal, _ := svc.GetBalance(ctx, "user-1"); bal != 7500 {
		t.Fatalf("balance changed on repeat migration: %d", bal)
	}

	if _, err := svc.MigrateUser(ctx, "ghost"); err == nil {
		t.Fatal("expected error for unknown legacy user")
	}
}

func TestWarmAndClearCache(t *testing.T) {
	var counting *countingStore
	svc, _ := newService(t, func(cfg *Config) {
		counting = &countingStore{Store: cfg.Store}
		cfg.Store = counting
	})
	ctx := context.Background()

	if _, err := svc.Credit(ctx, "alice", 100, ledger.KindCreditPurchase, "", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := svc.Credit(ctx, "bob", 200, ledger.KindCreditPurchase, "", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	warmed, err := svc.WarmCache(ctx)
	if err != nil {
		t.Fatalf("WarmCache: %v", err)
	}
	if warmed != 2 {
		t.Fatalf("expected 2 warmed accounts, got %d", warmed)
	}

	before := counting.getAccountCalls.Load()
	if bal, _ := svc.GetBalance(ctx, "alice"); bal != 100 {
		t.Fatalf("expected 100, got %d", bal)
	}
	if counting.getAccountCalls.Load() != before {
		t.Fatal("warmed balance still hit the store")
	}

	svc.ClearCache()
	if bal, _ := svc.GetBalance(ctx, "alice"); bal != 100 {
		t.Fatalf("expected 100 after clear, got %d", bal)
	}
	if counting.getAccountCalls.Load() == before {
		t.Fatal("cleared cache did not fall through to the store")
	}
}
