package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPartyNotFound   = errors.New("party not found")
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrFrozenUnderflow = errors.New("unfreeze exceeds frozen amount")
)

// InsufficientFundsError reports a failed balance precondition along with the
// shortfall so callers can surface it.
type InsufficientFundsError struct {
	Op        string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: insufficient funds: required %s, available %s (short %s)",
		e.Op, e.Required, e.Available, e.Required.Sub(e.Available))
}

// Shortfall is the amount missing for the operation to succeed.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// Ledger mutates a party's spendable balance and frozen reservation. Every
// operation is atomic with respect to concurrent operations on the same party;
// a failed precondition leaves the wallet untouched.
//
// Invariants maintained: balance >= 0, frozen >= 0, balance - frozen >= 0.
type Ledger interface {
	// Freeze reserves amount out of the available balance (balance - frozen).
	Freeze(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error
	// Unfreeze releases a reservation. Releasing more than is frozen is a
	// caller bug: the frozen amount is clamped to zero and ErrFrozenUnderflow
	// returned.
	Unfreeze(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error
	// DeductFrozen converts a reservation into an actual debit. The only path
	// by which frozen money leaves the balance.
	DeductFrozen(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error
	// Debit takes amount directly from the available balance without a prior
	// reservation (the online modality settles at acceptance).
	Debit(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error
	// Credit adds amount to the balance.
	Credit(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error
	// AvailableBalance returns balance - frozen.
	AvailableBalance(ctx context.Context, partyID uuid.UUID) (decimal.Decimal, error)
	// Balances returns the raw balance and frozen amounts.
	Balances(ctx context.Context, partyID uuid.UUID) (balance, frozen decimal.Decimal, err error)
}
