package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/credit-ledger/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balance_cents BIGINT NOT NULL DEFAULT 0,
	cluster_entitlements JSONB NOT NULL DEFAULT '[]',
	preferences JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('usage_charge','credit_purchase','bonus_credit','refund')),
	amount_cents BIGINT NOT NULL,
	description TEXT,
	metadata JSONB NOT NULL DEFAULT '{}',
	dedupe_key TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_dedupe ON transactions(dedupe_key) WHERE dedupe_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	usage_count BIGINT NOT NULL DEFAULT 0,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAccount returns the account for the user, or nil when absent.
func (s *Store) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, balance_cents, cluster_entitlements, preferences, updated_at
FROM accounts WHERE user_id = $1`, userID)

	var acct ledger.Account
	var entitlements []byte
	if err := row.Scan(&acct.UserID, &acct.BalanceCents, &entitlements, &acct.Preferences, &acct.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(entitlements, &acct.ClusterEntitlements); err != nil {
		return nil, fmt.Errorf("decode cluster entitlements: %w", err)
	}
	return &acct, nil
}

// UpsertAccount creates or updates the non-balance account fields.
func (s *Store) UpsertAccount(ctx context.Context, acct ledger.Account) error {
	if acct.UserID == "" {
		return errors.New("user id required")
	}
	entitlements, err := json.Marshal(acct.ClusterEntitlements)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO accounts(user_id, balance_cents, cluster_entitlements, preferences)
VALUES($1, 0, $2, $3)
ON CONFLICT(user_id) DO UPDATE SET
	cluster_entitlements = EXCLUDED.cluster_entitlements,
	preferences = EXCLUDED.preferences,
	updated_at = NOW()`,
		acct.UserID, entitlements, acct.Preferences)
	return err
}

func validateTransaction(tx ledger.Transaction) error {
	if tx.ID == "" {
		return errors.New("transaction id required")
	}
	if tx.UserID == "" {
		return errors.New("user id required")
	}
	if !ledger.ValidKind(tx.Kind) {
		return fmt.Errorf("invalid transaction kind %q", tx.Kind)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, entry ledger.Transaction, dedupeKey *string) (bool, error) {
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO transactions(id, user_id, kind, amount_cents, description, metadata, dedupe_key, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`,
		entry.ID, entry.UserID, string(entry.Kind), entry.AmountCents,
		entry.Description, entry.Metadata, dedupeKey, created)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Credit adds a positive amount to the balance and appends the transaction
// atomically. The account row is created on first credit.
func (s *Store) Credit(ctx context.Context, entry ledger.Transaction) error {
	if err := validateTransaction(entry); err != nil {
		return err
	}
	if entry.AmountCents <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", entry.AmountCents)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(user_id, balance_cents) VALUES($1, $2)
ON CONFLICT(user_id) DO UPDATE SET
	balance_cents = accounts.balance_cents + EXCLUDED.balance_cents,
	updated_at = NOW()`,
		entry.UserID, entry.AmountCents); err != nil {
		return err
	}
	if _, err := insertTransaction(ctx, tx, entry, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Charge decrements the balance only when it covers the amount; the
// sufficiency condition is part of the UPDATE itself. On rejection the caller
// receives *ledger.InsufficientCreditsError carrying the current balance.
func (s *Store) Charge(ctx context.Context, entry ledger.Transaction) error {
	if err := validateTransaction(entry); err != nil {
		return err
	}
	if entry.AmountCents >= 0 {
		return fmt.Errorf("charge amount must be negative, got %d", entry.AmountCents)
	}
	need := -entry.AmountCents

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance_cents = balance_cents - $1, updated_at = NOW()
WHERE user_id = $2 AND balance_cents >= $1`,
		need, entry.UserID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var available int64
		row := tx.QueryRowContext(ctx, `SELECT COALESCE((SELECT balance_cents FROM accounts WHERE user_id = $1), 0)`, entry.UserID)
		if err := row.Scan(&available); err != nil {
			return err
		}
		return &ledger.InsufficientCreditsError{RequiredCents: need, AvailableCents: available}
	}
	if _, err := insertTransaction(ctx, tx, entry, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CreditOnce credits the account if and only if no transaction with the
// dedupe key exists. Concurrent callers race safely: exactly one grant wins.
func (s *Store) CreditOnce(ctx context.Context, entry ledger.Transaction, dedupeKey string) (bool, error) {
	if err := validateTransaction(entry); err != nil {
		return false, err
	}
	if entry.AmountCents <= 0 {
		return false, fmt.Errorf("credit amount must be positive, got %d", entry.AmountCents)
	}
	if dedupeKey == "" {
		return false, errors.New("dedupe key required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := insertTransaction(ctx, tx, entry, &dedupeKey)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(user_id, balance_cents) VALUES($1, $2)
ON CONFLICT(user_id) DO UPDATE SET
	balance_cents = accounts.balance_cents + EXCLUDED.balance_cents,
	updated_at = NOW()`,
		entry.UserID, entry.AmountCents); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ListTransactions returns the user's entries newest first. limit <= 0
// returns the full history.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	query := `
SELECT id, user_id, kind, amount_cents, description, metadata, created_at
FROM transactions
WHERE user_id = $1
ORDER BY created_at DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += `
LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		var e ledger.Transaction
		var kind string
		var description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.AmountCents, &description, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumTransactions returns the signed sum of all amounts for the user.
func (s *Store) SumTransactions(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount_cents), 0) FROM transactions WHERE user_id = $1`, userID)
	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// ListUserIDs returns every user known to the ledger.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id FROM accounts
UNION
SELECT DISTINCT user_id FROM transactions
ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTransaction removes an entry by id. Reserved for the reconciliation
// auditor correcting a proven duplicate.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("transaction id required")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	return err
}

// SetBalance overwrites the stored balance. Reserved for the reconciliation
// auditor; normal writes go through Credit/Charge.
func (s *Store) SetBalance(ctx context.Context, userID string, balanceCents int64) error {
	if userID == "" {
		return errors.New("user id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(user_id, balance_cents) VALUES($1, $2)
ON CONFLICT(user_id) DO UPDATE SET
	balance_cents = EXCLUDED.balance_cents,
	updated_at = NOW()`,
		userID, balanceCents)
	return err
}

// InsertAPIKey stores a new key, enforcing the per-user active-key quota.
// Under READ COMMITTED the count subquery alone is not enough: two issuers
// snapshotting before either commits would both see room under the quota, so
// the count-and-insert runs under a per-user advisory lock that serializes
// concurrent issuers for the same user without blocking anyone else.
func (s *Store) InsertAPIKey(ctx context.Context, key ledger.APIKey) error {
	if key.ID == "" || key.UserID == "" {
		return errors.New("api key id and user id required")
	}
	if key.KeyHash == "" || key.KeyPrefix == "" {
		return errors.New("api key hash and prefix required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, key.UserID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO api_keys(id, user_id, name, key_hash, key_prefix, is_active)
SELECT $1, $2, $3, $4, $5, TRUE
WHERE (SELECT COUNT(*) FROM api_keys WHERE user_id = $2 AND is_active) < $6`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix,
		ledger.MaxActiveAPIKeys)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.QuotaExceededError{Limit: ledger.MaxActiveAPIKeys}
	}
	return tx.Commit()
}

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, is_active, usage_count, last_used_at, created_at, updated_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*ledger.APIKey, error) {
	var k ledger.APIKey
	var name sql.NullString
	var lastUsed sql.NullTime
	if err := row.Scan(&k.ID, &k.UserID, &name, &k.KeyHash, &k.KeyPrefix,
		&k.IsActive, &k.UsageCount, &lastUsed, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	k.Name = name.String
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

// FindAPIKeyByHash returns the key matching the hash, or nil.
func (s *Store) FindAPIKeyByHash(ctx context.Context, keyHash string) (*ledger.APIKey, error) {
	if keyHash == "" {
		return nil, errors.New("key hash required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

// GetAPIKey returns the user's key by id, or nil.
func (s *Store) GetAPIKey(ctx context.Context, userID, keyID string) (*ledger.APIKey, error) {
	if userID == "" || keyID == "" {
		return nil, errors.New("user id and key id required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 AND id = $2`, userID, keyID)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

// ListAPIKeys returns all keys for the user, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]ledger.APIKey, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []ledger.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// TouchAPIKey bumps usage accounting for a validated key.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		return errors.New("key id required")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET usage_count = usage_count + 1,
	last_used_at = NOW(),
	updated_at = NOW()
WHERE id = $1`, keyID)
	return err
}

// DeactivateAPIKey soft-deletes the key, preserving the audit trail.
// Idempotent.
func (s *Store) DeactivateAPIKey(ctx context.Context, userID, keyID string) error {
	if userID == "" || keyID == "" {
		return errors.New("user id and key id required")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET is_active = FALSE, updated_at = NOW()
WHERE user_id = $1 AND id = $2`, userID, keyID)
	return err
}
