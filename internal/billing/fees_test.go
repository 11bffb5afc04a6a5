package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestDoctorEarning(t *testing.T) {
	t.Run("standard split", func(t *testing.T) {
		// gross 1000, fee 50, ops 10% -> 1000 - 50 - 100 = 850
		b := DoctorEarning(dec(1000), FeePair{PlatformFee: dec(50), OpsExpensePercent: dec(10)})
		assert.True(t, b.DoctorEarning.Equal(dec(850)), "got %s", b.DoctorEarning)
		assert.True(t, b.OpsExpense.Equal(dec(100)))
		assert.True(t, b.PlatformFee.Equal(dec(50)))
	})

	t.Run("floored at zero", func(t *testing.T) {
		b := DoctorEarning(dec(100), FeePair{PlatformFee: dec(150), OpsExpensePercent: dec(10)})
		assert.True(t, b.DoctorEarning.IsZero())
	})

	t.Run("zero fees pass gross through", func(t *testing.T) {
		b := DoctorEarning(dec(500), FeePair{})
		assert.True(t, b.DoctorEarning.Equal(dec(500)))
	})
}

func TestActiveSubscription(t *testing.T) {
	now := time.Now()
	doctorID := uuid.New()

	sub := func(started time.Time, end *time.Time) Subscription {
		return Subscription{ID: uuid.New(), DoctorID: doctorID, StartedAt: started, EndDate: end}
	}

	t.Run("none at all", func(t *testing.T) {
		_, err := ActiveSubscription(nil, now)
		assert.ErrorIs(t, err, ErrNoActiveSubscription)
	})

	t.Run("all expired", func(t *testing.T) {
		past := now.Add(-time.Hour)
		_, err := ActiveSubscription([]Subscription{sub(now.Add(-48*time.Hour), &past)}, now)
		assert.ErrorIs(t, err, ErrNoActiveSubscription)
	})

	t.Run("nil end date is active", func(t *testing.T) {
		s, err := ActiveSubscription([]Subscription{sub(now.Add(-time.Hour), nil)}, now)
		require.NoError(t, err)
		assert.Equal(t, doctorID, s.DoctorID)
	})

	t.Run("latest start wins among overlapping actives", func(t *testing.T) {
		older := sub(now.Add(-48*time.Hour), nil)
		newer := sub(now.Add(-time.Hour), nil)
		future := now.Add(24 * time.Hour)
		expired := sub(now.Add(-time.Minute), &future)

		s, err := ActiveSubscription([]Subscription{older, expired, newer}, now)
		require.NoError(t, err)
		assert.Equal(t, expired.ID, s.ID, "most recently started active plan governs")
	})
}

func TestPairFor(t *testing.T) {
	s := Subscription{
		Online:    FeePair{PlatformFee: dec(10)},
		Clinic:    FeePair{PlatformFee: dec(20)},
		HomeVisit: FeePair{PlatformFee: dec(30)},
		Emergency: FeePair{PlatformFee: dec(40)},
	}

	for modality, want := range map[string]int64{
		"online": 10, "clinic": 20, "home_visit": 30, "emergency": 40,
	} {
		pair, err := s.PairFor(modality)
		require.NoError(t, err)
		assert.True(t, pair.PlatformFee.Equal(dec(want)), modality)
	}

	_, err := s.PairFor("bogus")
	assert.ErrorIs(t, err, ErrUnknownModality)
}
