package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/tokligence/credit-ledger/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func credit(t *testing.T, s *Store, userID string, cents int64, kind ledger.Kind) {
	t.Helper()
	err := s.Credit(context.Background(), ledger.Transaction{
		ID:     uuid.NewString(),
		UserID: userID,
		Kind:   kind,
		AmountCents: cents,
	})
	if err != nil {
		t.Fatalf("Credit(%d): %v", cents, err)
	}
}

func charge(t *testing.T, s *Store, userID string, cents int64) error {
	t.Helper()
	return s.Charge(context.Background(), ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        ledger.KindUsageCharge,
		AmountCents: -cents,
	})
}

func balance(t *testing.T, s *Store, userID string) int64 {
	t.Helper()
	acct, err := s.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct == nil {
		return 0
	}
	return acct.BalanceCents
}

func TestCreditDuplicateIDRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	entry := ledger.Transaction{
		ID:          "tx-fixed",
		UserID:      "carol",
		Kind:        ledger.KindCreditPurchase,
		AmountCents: 500,
	}
	if err := s.Credit(ctx, entry); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	// A colliding transaction id must fail the whole credit, balance move
	// included, not silently commit a balance bump with no ledger entry.
	if err := s.Credit(ctx, entry); err == nil {
		t.Fatal("expected duplicate id to fail the credit")
	}
	if got := balance(t, s, "carol"); got != 500 {
		t.Fatalf("balance = %d, want 500", got)
	}
	entries, err := s.ListTransactions(ctx, "carol", 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(entries))
	}
	sum, err := s.SumTransactions(ctx, "carol")
	if err != nil {
		t.Fatalf("SumTransactions: %v", err)
	}
	if sum != 500 {
		t.Fatalf("transaction sum = %d, want 500", sum)
	}
}

func TestGetAccountMissing(t *testing.T) {
	s := newStore(t)
	acct, err := s.GetAccount(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct != nil {
		t.Fatalf("expected nil account, got %+v", acct)
	}
}

func TestBalanceMatchesTransactionSum(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const user = "user-1"

	credit(t, s, user, 2000, ledger.KindBonusCredit)
	credit(t, s, user, 500, ledger.KindCreditPurchase)
	if err := charge(t, s, user, 300); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := charge(t, s, user, 150); err != nil {
		t.Fatalf("charge: %v", err)
	}
	credit(t, s, user, 50, ledger.KindRefund)

	sum, err := s.SumTransactions(ctx, user)
	if err != nil {
		t.Fatalf("SumTransactions: %v", err)
	}
	bal := balance(t, s, user)
	if bal != sum {
		t.Fatalf("balance %d != transaction sum %d", bal, sum)
	}
	if bal != 2100 {
		t.Fatalf("expected balance 2100, got %d", bal)
	}
}

func TestChargeInsufficientCredits(t *testing.T) {
	s := newStore(t)
	const user = "user-1"
	credit(t, s, user, 1950, ledger.KindCreditPurchase)

	err := charge(t, s, user, 2500)
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.RequiredCents != 2500 || insufficient.AvailableCents != 1950 {
		t.Fatalf("unexpected error fields: %+v", insufficient)
	}
	if bal := balance(t, s, user); bal != 1950 {
		t.Fatalf("balance changed on rejected charge: %d", bal)
	}
	entries, err := s.ListTransactions(context.Background(), user, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("rejected charge must not append a transaction, got %d entries", len(entries))
	}
}

func TestChargeUnknownUser(t *testing.T) {
	s := newStore(t)
	err := charge(t, s, "ghost", 100)
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.AvailableCents != 0 {
		t.Fatalf("expected available 0, got %d", insufficient.AvailableCents)
	}
}

func TestConcurrentChargesSingleWinner(t *testing.T) {
	s := newStore(t)
	const user = "user-1"
	const workers = 8
	credit(t, s, user, 1000, ledger.KindCreditPurchase)

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- charge(t, s, user, 1000)
		}()
	}
	wg.Wait()
	close(results)

	var successes, rejections int
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			var insufficient *ledger.InsufficientCreditsError
			if !errors.As(err, &insufficient) {
				t.Fatalf("unexpected charge error: %v", err)
			}
			rejections++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful charge, got %d", successes)
	}
	if rejections != workers-1 {
		t.Fatalf("expected %d rejections, got %d", workers-1, rejections)
	}
	if bal := balance(t, s, user); bal != 0 {
		t.Fatalf("expected balance 0, got %d", bal)
	}
}

func TestCreditOnceSequential(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const user = "user-1"
	key := "welcome_bonus:" + user

	bonus := func() (bool, error) {
		return s.CreditOnce(ctx, ledger.Transaction{
			ID:          uuid.NewString(),
			UserID:      user,
			Kind:        ledger.KindBonusCredit,
			AmountCents: 2000,
			Description: ledger.WelcomeBonusDescription,
		}, key)
	}

	granted, err := bonus()
	if err != nil || !granted {
		t.Fatalf("first grant: granted=%v err=%v", granted, err)
	}
	granted, err = bonus()
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if granted {
		t.Fatal("second grant must be a no-op")
	}
	if bal := balance(t, s, user); bal != 2000 {
		t.Fatalf("expected balance 2000, got %d", bal)
	}
	entries, err := s.ListTransactions(ctx, user, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 bonus transaction, got %d", len(entries))
	}
}

func TestCreditOnceConcurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const user = "user-1"
	const workers = 8
	key := "welcome_bonus:" + user

	var wg sync.WaitGroup
	grants := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := s.CreditOnce(ctx, ledger.Transaction{
				ID:          uuid.NewString(),
				UserID:      user,
				Kind:        ledger.KindBonusCredit,
				AmountCents: 2000,
				Description: ledger.WelcomeBonusDescription,
			}, key)
			if err != nil {
				t.Errorf("CreditOnce: %v", err)
				granted = false
			}
			grants <- granted
		}()
	}
	wg.Wait()
	close(grants)

	var granted int
	for g := range grants {
		if g {
			granted++
		}
	}
	if granted != 1 {
		t.Fatalf("expected exactly 1 grant, got %d", granted)
	}
	if bal := balance(t, s, user); bal != 2000 {
		t.Fatalf("expected balance 2000, got %d", bal)
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const user = "user-1"

	amounts := []int64{100, 200, 300, 400}
	for _, a := range amounts {
		credit(t, s, user, a, ledger.KindCreditPurchase)
	}

	entries, err := s.ListTransactions(ctx, user, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(entries) != len(amounts) {
		t.Fatalf("expected %d entries, got %d", len(amounts), len(entries))
	}
	for i, e := range entries {
		want := amounts[len(amounts)-1-i]
		if e.AmountCents != want {
			t.Fatalf("entry %d: expected amount %d, got %d", i, want, e.AmountCents)
		}
	}

	limited, err := s.ListTransactions(ctx, user, 2)
	if err != nil {
		t.Fatalf("ListTransactions(limit): %v", err)
	}
	if len(limited) != 2 || limited[0].AmountCents != 400 || limited[1].AmountCents != 300 {
		t.Fatalf("unexpected limited page: %+v", limited)
	}
}

func TestTransactionMetadataRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const user = "user-1"
	credit(t, s, user, 1000, ledger.KindCreditPurchase)

	err := s.Charge(ctx, ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      user,
		Kind:        ledger.KindUsageCharge,
		AmountCents: -40,
		Description: "api usage",
		Metadata:    ledger.Metadata{"model": "gpt-4o", "input_tokens": float64(8000)},
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	entries, err := s.ListTransactions(ctx, user, 1)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Metadata["model"] != "gpt-4o" {
		t.Fatalf("metadata lost: %+v", entries[0].Metadata)
	}
}

func TestListUserIDs(t *testing.T) {
	s := newStore(t)
	credit(t, s, "alice", 100, ledger.KindCreditPurchase)
	credit(t, s, "bob", 200, ledger.KindCreditPurchase)

	ids, err := s.ListUserIDs(context.Background())
	if err != nil {
		t.Fatalf("ListUserIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Fatalf("unexpected user ids: %v", ids)
	}
}

func TestSetBalanceAndDeleteTransaction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const user = "user-1"
	credit(t, s, user, 500, ledger.KindCreditPurchase)

	entries, err := s.ListTransactions(ctx, user, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if err := s.DeleteTransaction(ctx, entries[0].ID); err != nil {
		t.Fatalf("DeleteTransaction: %v", err)
	}
	sum, err := s.SumTransactions(ctx, user)
	if err != nil {
		t.Fatalf("SumTransactions: %v", err)
	}
	if sum != 0 {
		t.Fatalf("expected sum 0 after delete, got %d", sum)
	}
	if err := s.SetBalance(ctx, user, 0); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	if bal := balance(t, s, user); bal != 0 {
		t.Fatalf("expected balance 0, got %d", bal)
	}
}

func insertKey(t *testing.T, s *Store, userID string, n int) error {
	t.Helper()
	return s.InsertAPIKey(context.Background(), ledger.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      "key",
		KeyHash:   uuid.NewString(),
		KeyPrefix: "clk_test",
	})
}

func TestAPIKeyQuota(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const user = "user-1"

	for i := 0; i < ledger.MaxActiveAPIKeys; i++ {
		if err := insertKey(t, s, user, i); err != nil {
			t.Fatalf("key %d: %v", i, err)
		}
	}
	err := insertKey(t, s, user, ledger.MaxActiveAPIKeys)
	var quota *ledger.QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quota.Limit != ledger.MaxActiveAPIKeys {
		t.Fatalf("unexpected limit: %d", quota.Limit)
	}

	// Revoking a key frees a quota slot.
	keys, err := s.ListAPIKeys(ctx, user)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if err := s.DeactivateAPIKey(ctx, user, keys[0].ID); err != nil {
		t.Fatalf("DeactivateAPIKey: %v", err)
	}
	if err := insertKey(t, s, user, 0); err != nil {
		t.Fatalf("insert after revoke: %v", err)
	}
}

func TestAPIKeyLookupAndTouch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := ledger.APIKey{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		Name:      "ci",
		KeyHash:   "abc123",
		KeyPrefix: "clk_abc1",
	}
	if err := s.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("InsertAPIKey: %v", err)
	}

	found, err := s.FindAPIKeyByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("FindAPIKeyByHash: %v", err)
	}
	if found == nil || found.ID != key.ID || !found.IsActive {
		t.Fatalf("unexpected key: %+v", found)
	}
	if found.LastUsedAt != nil {
		t.Fatalf("fresh key must have nil LastUsedAt, got %v", found.LastUsedAt)
	}

	missing, err := s.FindAPIKeyByHash(ctx, "nope")
	if err != nil {
		t.Fatalf("FindAPIKeyByHash(miss): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown hash, got %+v", missing)
	}

	if err := s.TouchAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	touched, err := s.GetAPIKey(ctx, key.UserID, key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if touched.UsageCount != 1 || touched.LastUsedAt == nil {
		t.Fatalf("touch not recorded: %+v", touched)
	}
}

func TestDeactivateAPIKeyIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := ledger.APIKey{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		KeyHash:   "h1",
		KeyPrefix: "clk_h1",
	}
	if err := s.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("InsertAPIKey: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.DeactivateAPIKey(ctx, key.UserID, key.ID); err != nil {
			t.Fatalf("DeactivateAPIKey round %d: %v", i, err)
		}
	}
	if err := s.DeactivateAPIKey(ctx, key.UserID, "unknown"); err != nil {
		t.Fatalf("deactivating unknown key must not error: %v", err)
	}
	got, err := s.GetAPIKey(ctx, key.UserID, key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if got.IsActive {
		t.Fatal("key still active after deactivation")
	}
}
