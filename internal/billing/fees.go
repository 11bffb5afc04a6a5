package billing

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNoActiveSubscription = errors.New("doctor has no active subscription")
	ErrUnknownModality      = errors.New("unknown modality")
)

// FeePair is the platform's cut for one modality under one plan.
type FeePair struct {
	PlatformFee       decimal.Decimal
	OpsExpensePercent decimal.Decimal
}

// Subscription is a doctor's plan record. A doctor may hold several over time;
// the one whose EndDate is nil or in the future is active.
type Subscription struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PlanName  string
	StartedAt time.Time
	EndDate   *time.Time

	Online    FeePair
	Clinic    FeePair
	HomeVisit FeePair
	Emergency FeePair
}

// Active reports whether the subscription covers the given instant.
func (s Subscription) Active(now time.Time) bool {
	return s.EndDate == nil || s.EndDate.After(now)
}

// PairFor returns the fee pair for a modality key ("online", "clinic",
// "home_visit", "emergency").
func (s Subscription) PairFor(modality string) (FeePair, error) {
	switch modality {
	case "online":
		return s.Online, nil
	case "clinic":
		return s.Clinic, nil
	case "home_visit":
		return s.HomeVisit, nil
	case "emergency":
		return s.Emergency, nil
	default:
		return FeePair{}, ErrUnknownModality
	}
}

// ActiveSubscription picks the doctor's governing plan: the active record with
// the latest StartedAt. The rule is deterministic on purpose; a doctor holding
// overlapping plans settles under the one bought most recently.
func ActiveSubscription(subs []Subscription, now time.Time) (*Subscription, error) {
	active := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Active(now) {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoActiveSubscription
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.After(active[j].StartedAt)
	})
	return &active[0], nil
}

// Breakdown is the settlement split for one gross amount.
type Breakdown struct {
	Gross         decimal.Decimal
	PlatformFee   decimal.Decimal
	OpsExpense    decimal.Decimal
	DoctorEarning decimal.Decimal
}

// DoctorEarning computes the net credit for the doctor:
// max(0, gross - platformFee - gross * opsExpensePercent/100).
func DoctorEarning(gross decimal.Decimal, pair FeePair) Breakdown {
	opsExpense := gross.Mul(pair.OpsExpensePercent).Div(decimal.NewFromInt(100))
	earning := gross.Sub(pair.PlatformFee).Sub(opsExpense)
	if earning.IsNegative() {
		earning = decimal.Zero
	}
	return Breakdown{
		Gross:         gross,
		PlatformFee:   pair.PlatformFee,
		OpsExpense:    opsExpense,
		DoctorEarning: earning,
	}
}

// SubscriptionSource is the read-only lookup the settlement path calls out to.
type SubscriptionSource interface {
	ActiveSubscription(ctx context.Context, doctorID uuid.UUID, now time.Time) (*Subscription, error)
}
