package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/careloop/telehealth-engine/internal/db"
)

// PgLedger implements Ledger against the parties table. Preconditions are
// expressed as WHERE guards on single UPDATE statements, so concurrent
// operations on the same party serialize on the row without taking an
// application lock. Runs inside the transaction carried by ctx when one is
// present.
type PgLedger struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPgLedger(pool *pgxpool.Pool, log *zap.Logger) *PgLedger {
	return &PgLedger{pool: pool, log: log}
}

func (l *PgLedger) q(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, l.pool)
}

func (l *PgLedger) Freeze(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}

	tag, err := l.q(ctx).Exec(ctx, `
		UPDATE parties
		SET frozen = frozen + $2,
		    updated_at = now()
		WHERE id = $1
		  AND balance - frozen >= $2
	`, partyID, amount)
	if err != nil {
		return fmt.Errorf("freeze: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.insufficient(ctx, partyID, "freeze", amount)
	}
	return nil
}

func (l *PgLedger) Unfreeze(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}

	tag, err := l.q(ctx).Exec(ctx, `
		UPDATE parties
		SET frozen = frozen - $2,
		    updated_at = now()
		WHERE id = $1
		  AND frozen >= $2
	`, partyID, amount)
	if err != nil {
		return fmt.Errorf("unfreeze: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, _, err := l.Balances(ctx, partyID); err != nil {
			return err
		}
		// Caller asked to release more than is reserved. Clamp so the
		// invariant holds, but report it loudly: this is a bug upstream.
		l.log.Error("unfreeze underflow, clamping frozen to zero",
			zap.String("party_id", partyID.String()),
			zap.String("amount", amount.String()),
		)
		if _, err := l.q(ctx).Exec(ctx, `
			UPDATE parties SET frozen = 0, updated_at = now() WHERE id = $1
		`, partyID); err != nil {
			return fmt.Errorf("unfreeze clamp: %w", err)
		}
		return ErrFrozenUnderflow
	}
	return nil
}

func (l *PgLedger) DeductFrozen(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}

	tag, err := l.q(ctx).Exec(ctx, `
		UPDATE parties
		SET frozen = frozen - $2,
		    balance = balance - $2,
		    updated_at = now()
		WHERE id = $1
		  AND frozen >= $2
		  AND balance >= $2
	`, partyID, amount)
	if err != nil {
		return fmt.Errorf("deduct frozen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.insufficient(ctx, partyID, "deduct_frozen", amount)
	}
	return nil
}

func (l *PgLedger) Debit(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}

	tag, err := l.q(ctx).Exec(ctx, `
		UPDATE parties
		SET balance = balance - $2,
		    updated_at = now()
		WHERE id = $1
		  AND balance - frozen >= $2
	`, partyID, amount)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.insufficient(ctx, partyID, "debit", amount)
	}
	return nil
}

func (l *PgLedger) Credit(ctx context.Context, partyID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}

	tag, err := l.q(ctx).Exec(ctx, `
		UPDATE parties
		SET balance = balance + $2,
		    updated_at = now()
		WHERE id = $1
	`, partyID, amount)
	if err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPartyNotFound
	}
	return nil
}

func (l *PgLedger) AvailableBalance(ctx context.Context, partyID uuid.UUID) (decimal.Decimal, error) {
	balance, frozen, err := l.Balances(ctx, partyID)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Sub(frozen), nil
}

func (l *PgLedger) Balances(ctx context.Context, partyID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var balance, frozen decimal.Decimal
	err := l.q(ctx).QueryRow(ctx, `
		SELECT balance, frozen FROM parties WHERE id = $1
	`, partyID).Scan(&balance, &frozen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, decimal.Zero, ErrPartyNotFound
		}
		return decimal.Zero, decimal.Zero, err
	}
	return balance, frozen, nil
}

// insufficient distinguishes a missing party from a failed balance guard and
// computes the shortfall for the caller.
func (l *PgLedger) insufficient(ctx context.Context, partyID uuid.UUID, op string, amount decimal.Decimal) error {
	balance, frozen, err := l.Balances(ctx, partyID)
	if err != nil {
		return err
	}

	available := balance.Sub(frozen)
	if op == "deduct_frozen" {
		available = frozen
	}
	return &InsufficientFundsError{Op: op, Required: amount, Available: available}
}
