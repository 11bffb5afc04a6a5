package wallet

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type account struct {
	balance decimal.Decimal
	frozen  decimal.Decimal
}

// MemLedger is an in-memory Ledger used by tests and local development. A
// single mutex stands in for the per-row serialization the Postgres ledger
// gets from guarded updates.
type MemLedger struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*account
	log      *zap.Logger
}

func NewMemLedger(log *zap.Logger) *MemLedger {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemLedger{
		accounts: make(map[uuid.UUID]*account),
		log:      log,
	}
}

// CreateAccount registers a party with an opening balance.
func (l *MemLedger) CreateAccount(partyID uuid.UUID, balance decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[partyID] = &account{balance: balance, frozen: decimal.Zero}
}

func (l *MemLedger) get(partyID uuid.UUID) (*account, error) {
	acc, ok := l.accounts[partyID]
	if !ok {
		return nil, ErrPartyNotFound
	}
	return acc, nil
}

func (l *MemLedger) Freeze(_ context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.get(partyID)
	if err != nil {
		return err
	}
	available := acc.balance.Sub(acc.frozen)
	if available.LessThan(amount) {
		return &InsufficientFundsError{Op: "freeze", Required: amount, Available: available}
	}
	acc.frozen = acc.frozen.Add(amount)
	return nil
}

func (l *MemLedger) Unfreeze(_ context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.get(partyID)
	if err != nil {
		return err
	}
	if acc.frozen.LessThan(amount) {
		l.log.Error("unfreeze underflow, clamping frozen to zero",
			zap.String("party_id", partyID.String()),
			zap.String("amount", amount.String()),
		)
		acc.frozen = decimal.Zero
		return ErrFrozenUnderflow
	}
	acc.frozen = acc.frozen.Sub(amount)
	return nil
}

func (l *MemLedger) DeductFrozen(_ context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.get(partyID)
	if err != nil {
		return err
	}
	if acc.frozen.LessThan(amount) || acc.balance.LessThan(amount) {
		return &InsufficientFundsError{Op: "deduct_frozen", Required: amount, Available: acc.frozen}
	}
	acc.frozen = acc.frozen.Sub(amount)
	acc.balance = acc.balance.Sub(amount)
	return nil
}

func (l *MemLedger) Debit(_ context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.get(partyID)
	if err != nil {
		return err
	}
	available := acc.balance.Sub(acc.frozen)
	if available.LessThan(amount) {
		return &InsufficientFundsError{Op: "debit", Required: amount, Available: available}
	}
	acc.balance = acc.balance.Sub(amount)
	return nil
}

func (l *MemLedger) Credit(_ context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.get(partyID)
	if err != nil {
		return err
	}
	acc.balance = acc.balance.Add(amount)
	return nil
}

func (l *MemLedger) AvailableBalance(_ context.Context, partyID uuid.UUID) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.get(partyID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.balance.Sub(acc.frozen), nil
}

func (l *MemLedger) Balances(_ context.Context, partyID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.get(partyID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return acc.balance, acc.frozen, nil
}
