package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidAPIKey is returned when a presented key does not match an active
// stored key.
var ErrInvalidAPIKey = errors.New("invalid api key")

// InsufficientCreditsError rejects a charge that would overdraw the account.
// The balance is untouched when this is returned.
type InsufficientCreditsError struct {
	RequiredCents  int64
	AvailableCents int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s",
		Dollars(e.RequiredCents), Dollars(e.AvailableCents))
}

// QuotaExceededError rejects an API key issue request at the per-user limit.
type QuotaExceededError struct {
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("api key quota exceeded: limit %d active keys", e.Limit)
}

// IntegrityViolationError flags a stored record that fails a structural
// check, such as a negative balance outside of a pending correction. Write
// paths that observe it must halt rather than compound the damage.
type IntegrityViolationError struct {
	UserID       string
	BalanceCents int64
	Detail       string
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("ledger integrity violation for user %s: balance %s (%s)",
		e.UserID, Dollars(e.BalanceCents), e.Detail)
}
