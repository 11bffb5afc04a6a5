package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, balance int64) (*MemLedger, uuid.UUID) {
	t.Helper()
	l := NewMemLedger(nil)
	id := uuid.New()
	l.CreateAccount(id, decimal.NewFromInt(balance))
	return l, id
}

func TestFreeze(t *testing.T) {
	ctx := context.Background()

	t.Run("reserves from available balance", func(t *testing.T) {
		l, id := newTestLedger(t, 3000)

		require.NoError(t, l.Freeze(ctx, id, decimal.NewFromInt(1000)))

		balance, frozen, err := l.Balances(ctx, id)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(3000)), "balance untouched by freeze")
		assert.True(t, frozen.Equal(decimal.NewFromInt(1000)))

		available, err := l.AvailableBalance(ctx, id)
		require.NoError(t, err)
		assert.True(t, available.Equal(decimal.NewFromInt(2000)))
	})

	t.Run("rejects when available balance is short", func(t *testing.T) {
		l, id := newTestLedger(t, 2000)

		err := l.Freeze(ctx, id, decimal.NewFromInt(2500))

		var insufficient *InsufficientFundsError
		require.ErrorAs(t, err, &insufficient)
		assert.True(t, insufficient.Shortfall().Equal(decimal.NewFromInt(500)))

		_, frozen, err := l.Balances(ctx, id)
		require.NoError(t, err)
		assert.True(t, frozen.IsZero(), "failed freeze must not mutate")
	})

	t.Run("counts existing freezes against availability", func(t *testing.T) {
		l, id := newTestLedger(t, 1000)

		require.NoError(t, l.Freeze(ctx, id, decimal.NewFromInt(800)))
		err := l.Freeze(ctx, id, decimal.NewFromInt(300))
		assert.Error(t, err)
	})

	t.Run("rejects negative amounts", func(t *testing.T) {
		l, id := newTestLedger(t, 1000)
		assert.ErrorIs(t, l.Freeze(ctx, id, decimal.NewFromInt(-1)), ErrNegativeAmount)
	})

	t.Run("unknown party", func(t *testing.T) {
		l := NewMemLedger(nil)
		assert.ErrorIs(t, l.Freeze(ctx, uuid.New(), decimal.NewFromInt(1)), ErrPartyNotFound)
	})
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t, 5000)

	amount := decimal.NewFromInt(1234)
	require.NoError(t, l.Freeze(ctx, id, amount))
	require.NoError(t, l.Unfreeze(ctx, id, amount))

	balance, frozen, err := l.Balances(ctx, id)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(5000)), "balance restored exactly")
	assert.True(t, frozen.IsZero(), "frozen restored exactly")
}

func TestUnfreezeUnderflowClamps(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t, 1000)

	require.NoError(t, l.Freeze(ctx, id, decimal.NewFromInt(100)))
	err := l.Unfreeze(ctx, id, decimal.NewFromInt(500))
	require.ErrorIs(t, err, ErrFrozenUnderflow)

	_, frozen, berr := l.Balances(ctx, id)
	require.NoError(t, berr)
	assert.True(t, frozen.IsZero(), "frozen clamped to zero, never negative")
}

func TestDeductFrozen(t *testing.T) {
	ctx := context.Background()

	t.Run("converts reservation into debit", func(t *testing.T) {
		l, id := newTestLedger(t, 3000)
		require.NoError(t, l.Freeze(ctx, id, decimal.NewFromInt(1000)))

		require.NoError(t, l.DeductFrozen(ctx, id, decimal.NewFromInt(1000)))

		balance, frozen, err := l.Balances(ctx, id)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(2000)))
		assert.True(t, frozen.IsZero())
	})

	t.Run("requires a matching reservation", func(t *testing.T) {
		l, id := newTestLedger(t, 3000)

		err := l.DeductFrozen(ctx, id, decimal.NewFromInt(1000))

		var insufficient *InsufficientFundsError
		require.ErrorAs(t, err, &insufficient)

		balance, frozen, berr := l.Balances(ctx, id)
		require.NoError(t, berr)
		assert.True(t, balance.Equal(decimal.NewFromInt(3000)), "failed deduct must not mutate")
		assert.True(t, frozen.IsZero())
	})
}

func TestDebit(t *testing.T) {
	ctx := context.Background()

	t.Run("takes from available balance only", func(t *testing.T) {
		l, id := newTestLedger(t, 1000)
		require.NoError(t, l.Freeze(ctx, id, decimal.NewFromInt(600)))

		err := l.Debit(ctx, id, decimal.NewFromInt(500))
		assert.Error(t, err, "frozen money is not spendable")

		require.NoError(t, l.Debit(ctx, id, decimal.NewFromInt(400)))

		balance, frozen, berr := l.Balances(ctx, id)
		require.NoError(t, berr)
		assert.True(t, balance.Equal(decimal.NewFromInt(600)))
		assert.True(t, frozen.Equal(decimal.NewFromInt(600)))
	})
}

func TestNoNegativeBalances(t *testing.T) {
	// A randomized hammer: no interleaving of valid operations may drive any
	// of balance, frozen, or balance - frozen below zero.
	ctx := context.Background()
	l, id := newTestLedger(t, 10000)

	ops := []func() error{
		func() error { return l.Freeze(ctx, id, decimal.NewFromInt(700)) },
		func() error { return l.Unfreeze(ctx, id, decimal.NewFromInt(700)) },
		func() error { return l.DeductFrozen(ctx, id, decimal.NewFromInt(700)) },
		func() error { return l.Debit(ctx, id, decimal.NewFromInt(900)) },
		func() error { return l.Credit(ctx, id, decimal.NewFromInt(300)) },
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = ops[(i+j)%len(ops)]()
			}
		}(i)
	}
	wg.Wait()

	balance, frozen, err := l.Balances(ctx, id)
	require.NoError(t, err)
	assert.False(t, balance.IsNegative(), "balance went negative: %s", balance)
	assert.False(t, frozen.IsNegative(), "frozen went negative: %s", frozen)
	assert.False(t, balance.Sub(frozen).IsNegative(), "available went negative")
}

func TestConcurrentFreezeDoubleSpend(t *testing.T) {
	// Two freezes that each fit the balance individually but not together:
	// exactly one must win.
	ctx := context.Background()
	l, id := newTestLedger(t, 1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Freeze(ctx, id, decimal.NewFromInt(700))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			var insufficient *InsufficientFundsError
			assert.True(t, errors.As(err, &insufficient))
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent freeze may pass")
}
