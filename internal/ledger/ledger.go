package ledger

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a balance-affecting event.
type Kind string

const (
	KindUsageCharge    Kind = "usage_charge"
	KindCreditPurchase Kind = "credit_purchase"
	KindBonusCredit    Kind = "bonus_credit"
	KindRefund         Kind = "refund"
)

// WelcomeBonusDescription is the description carried by the one-time signup
// bonus transaction. At most one transaction with this description and kind
// bonus_credit may ever exist per user.
const WelcomeBonusDescription = "welcome bonus"

// MaxActiveAPIKeys is the per-user quota of active API keys.
const MaxActiveAPIKeys = 5

// ValidKind reports whether k is one of the known transaction kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindUsageCharge, KindCreditPurchase, KindBonusCredit, KindRefund:
		return true
	}
	return false
}

// Account holds the authoritative balance for a user. Balances are stored in
// integer cents; the account is mutated only through the store's conditional
// credit/charge statements, never written directly by callers (the
// reconciliation auditor is the single exception).
type Account struct {
	UserID              string    `json:"user_id"`
	BalanceCents        int64     `json:"balance_cents"`
	ClusterEntitlements []string  `json:"cluster_entitlements,omitempty"`
	Preferences         Metadata  `json:"preferences,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Transaction is one append-only ledger entry. Amounts are signed cents:
// negative for charges, positive for credits.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Kind        Kind      `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIKey is a hashed credential owned by a user. The raw secret is returned
// exactly once at issue time and never stored.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name,omitempty"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	IsActive   bool       `json:"is_active"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Metadata is free-form JSON attached to transactions and accounts.
// It supports SQL scanning and value conversion for both backends.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into Metadata", value)
	}
	if len(data) == 0 {
		*m = make(Metadata)
		return nil
	}
	return json.Unmarshal(data, m)
}

// Dollars renders cents as a currency string, e.g. 1950 -> "$19.50".
func Dollars(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// Store defines persistence behaviour for the credit ledger across the
// SQLite/Postgres backends. All balance mutations are single conditional
// statements evaluated server-side so concurrent callers never lose updates
// and a charge can never drive a balance negative.
type Store interface {
	// GetAccount returns the account, or nil when the user has none yet.
	GetAccount(ctx context.Context, userID string) (*Account, error)
	// UpsertAccount creates or updates the non-balance account fields.
	UpsertAccount(ctx context.Context, acct Account) error

	// Credit applies tx.AmountCents (must be > 0) to the balance and appends
	// the transaction in the same database transaction. Creates the account
	// row when missing.
	Credit(ctx context.Context, tx Transaction) error
	// Charge applies tx.AmountCents (must be < 0) only when the balance
	// covers it, appending the transaction on success. Returns
	// *InsufficientCreditsError when the guarded update matches no row.
	Charge(ctx context.Context, tx Transaction) error
	// CreditOnce behaves like Credit but inserts the transaction under a
	// unique dedupe key; when a transaction with the same key already exists
	// nothing changes and granted is false.
	CreditOnce(ctx context.Context, tx Transaction, dedupeKey string) (granted bool, err error)

	// ListTransactions returns entries for the user newest first.
	// limit <= 0 returns the full history.
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
	// SumTransactions returns the signed sum of all amounts for the user.
	SumTransactions(ctx context.Context, userID string) (int64, error)
	// ListUserIDs returns every user with an account or a transaction.
	ListUserIDs(ctx context.Context) ([]string, error)

	// DeleteTransaction removes a proven-duplicate entry. Reserved for the
	// reconciliation auditor.
	DeleteTransaction(ctx context.Context, id string) error
	// SetBalance overwrites the stored balance. Reserved for the
	// reconciliation auditor; every call must be logged by the caller.
	SetBalance(ctx context.Context, userID string, balanceCents int64) error

	// InsertAPIKey stores a new key, enforcing the active-key quota in the
	// same statement. Returns *QuotaExceededError at the limit.
	InsertAPIKey(ctx context.Context, key APIKey) error
	// FindAPIKeyByHash returns the key matching the hash, or nil.
	FindAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	// GetAPIKey returns the user's key by id, or nil.
	GetAPIKey(ctx context.Context, userID, keyID string) (*APIKey, error)
	// ListAPIKeys returns all keys (active and revoked) for the user.
	ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error)
	// TouchAPIKey bumps usage_count and last_used_at.
	TouchAPIKey(ctx context.Context, keyID string) error
	// DeactivateAPIKey soft-deletes the key. Idempotent.
	DeactivateAPIKey(ctx context.Context, userID, keyID string) error

	Close() error
}
