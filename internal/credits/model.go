package credits

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultDailyCredits is the free allotment a fresh account starts with.
// The daily reset job (external to this service) tops it back up each UTC day.
const DefaultDailyCredits = 10

// Account holds the two credit pools. daily_credits is consumed before
// balance on every debit; neither pool may go negative.
type Account struct {
	UserID       uuid.UUID `json:"user_id"`
	DailyCredits int64     `json:"daily_credits"`
	Balance      int64     `json:"balance"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Available is the total spendable amount.
func (a *Account) Available() int64 {
	return a.DailyCredits + a.Balance
}

type TransactionType string

const (
	TypeGeneration TransactionType = "generation"
	TypeRefund     TransactionType = "refund"
	TypePurchase   TransactionType = "purchase"
	TypeDailyReset TransactionType = "daily_reset"
)

// Transaction is an immutable ledger row. The signed sum of all rows for a
// user equals the net change applied to their Account since creation.
type Transaction struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Amount    int64           `json:"amount"` // negative for debits
	Type      TransactionType `json:"type"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsufficientError carries the exact numbers so clients can render
// "need X, have Y".
type InsufficientError struct {
	Required  int64
	Available int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// ErrDebitConflict means the conditional debit found less credit than the
// pre-check did: a concurrent request spent it first.
var ErrDebitConflict = errors.New("credit debit rejected: concurrent spend")

// SplitDebit computes how a debit is taken from the two pools: the daily
// allotment first, spilling the remainder into the purchased balance.
func SplitDebit(daily, cost int64) (fromDaily, fromBalance int64) {
	fromDaily = min(daily, cost)
	return fromDaily, cost - fromDaily
}
