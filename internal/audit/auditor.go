// Package audit reconciles stored balances against the append-only
// transaction log. It is the only code path allowed to overwrite a balance
// or delete a transaction, and every correction it applies is logged with
// the before and after values.
package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tokligence/credit-ledger/internal/ledger"
	"github.com/tokligence/credit-ledger/internal/metrics"
)

// EpsilonCents is the largest tolerated gap between a stored balance and the
// transaction sum. Amounts are integer cents, so anything beyond one cent is
// real drift, not rounding.
const EpsilonCents int64 = 1

// FindingType classifies what the auditor found.
type FindingType string

const (
	FindingBalanceDrift   FindingType = "balance_drift"
	FindingDuplicateBonus FindingType = "duplicate_welcome_bonus"
)

// Finding is one detected inconsistency, corrected or not.
type Finding struct {
	UserID        string      `json:"user_id"`
	Type          FindingType `json:"type"`
	StoredCents   int64       `json:"stored_cents"`
	ExpectedCents int64       `json:"expected_cents"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Corrected     bool        `json:"corrected"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DryRun       bool      `json:"dry_run"`
	UsersChecked int       `json:"users_checked"`
	Findings     []Finding `json:"findings"`
}

// Options scopes a reconciliation run.
type Options struct {
	// DryRun reports findings without mutating anything.
	DryRun bool
	// UserID restricts the run to one user; empty audits everyone.
	UserID string
}

// Auditor walks users and closes the gap between balances and their logs.
type Auditor struct {
	store   ledger.Store
	metrics *metrics.Collector
}

// New returns an auditor over the store. collector may be nil.
func New(store ledger.Store, collector *metrics.Collector) *Auditor {
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Auditor{store: store, metrics: collector}
}

// Run reconciles the selected users and returns the report. A store error on
// one user aborts the run; partially applied corrections remain valid since
// each one is independently consistent.
func (a *Auditor) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC(), DryRun: opts.DryRun}

	var userIDs []string
	if opts.UserID != "" {
		userIDs = []string{opts.UserID}
	} else {
		ids, err := a.store.ListUserIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		userIDs = ids
	}

	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		findings, err := a.auditUser(ctx, userID, opts.DryRun)
		if err != nil {
			return nil, fmt.Errorf("audit user %s: %w", userID, err)
		}
		report.Findings = append(report.Findings, findings...)
		report.UsersChecked++
	}
	report.FinishedAt = time.Now().UTC()

	var drift, duplicates, corrections int64
	for _, f := range report.Findings {
		switch f.Type {
		case FindingBalanceDrift:
			drift++
		case FindingDuplicateBonus:
			duplicates++
		}
		if f.Corrected {
			corrections++
		}
	}
	a.metrics.RecordAuditFindings(drift, duplicates, corrections)
	log.Printf("[audit] run finished: users=%d drift=%d duplicates=%d corrections=%d dry_run=%v",
		report.UsersChecked, drift, duplicates, corrections, opts.DryRun)
	return report, nil
}

func (a *Auditor) auditUser(ctx context.Context, userID string, dryRun bool) ([]Finding, error) {
	entries, err := a.store.ListTransactions(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	var sum int64
	var bonuses []ledger.Transaction
	for _, e := range entries {
		sum += e.AmountCents
		if e.Kind == ledger.KindBonusCredit && e.Description == ledger.WelcomeBonusDescription {
			bonuses = append(bonuses, e)
		}
	}

	// Entries arrive newest first, so the last bonus in the slice is the
	// oldest. That one stays; every newer duplicate goes.
	if len(bonuses) > 1 {
		for _, dup := range bonuses[:len(bonuses)-1] {
			f := Finding{
				UserID:        userID,
				Type:          FindingDuplicateBonus,
				TransactionID: dup.ID,
				StoredCents:   dup.AmountCents,
			}
			if !dryRun {
				if err := a.store.DeleteTransaction(ctx, dup.ID); err != nil {
					return nil, fmt.Errorf("delete duplicate bonus %s: %w", dup.ID, err)
				}
				f.Corrected = true
				log.Printf("[audit] user=%s removed duplicate welcome bonus tx=%s amount=%s",
					userID, dup.ID, ledger.Dollars(dup.AmountCents))
			}
			// The expected balance excludes removed duplicates either way,
			// so a dry run reports the same drift a real run would fix.
			sum -= dup.AmountCents
			findings = append(findings, f)
		}
	}

	acct, err := a.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	var stored int64
	if acct != nil {
		stored = acct.BalanceCents
	}

	if diff := stored - sum; diff > EpsilonCents || diff < -EpsilonCents {
		f := Finding{
			UserID:        userID,
			Type:          FindingBalanceDrift,
			StoredCents:   stored,
			ExpectedCents: sum,
		}
		if !dryRun {
			if err := a.store.SetBalance(ctx, userID, sum); err != nil {
				return nil, fmt.Errorf("correct balance: %w", err)
			}
			f.Corrected = true
			log.Printf("[audit] user=%s corrected balance %s -> %s",
				userID, ledger.Dollars(stored), ledger.Dollars(sum))
		} else {
			log.Printf("[audit] user=%s drift detected (dry run): stored=%s expected=%s",
				userID, ledger.Dollars(stored), ledger.Dollars(sum))
		}
		findings = append(findings, f)
	}
	return findings, nil
}
