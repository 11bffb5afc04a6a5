package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/telehealth-engine/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) ActiveSubscription(ctx context.Context, doctorID uuid.UUID, now time.Time) (*Subscription, error) {
	subs, err := r.listByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return ActiveSubscription(subs, now)
}

func (r *PgRepository) listByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Subscription, error) {
	q := db.QuerierFrom(ctx, r.pool)
	rows, err := q.Query(ctx, `
		SELECT id, doctor_id, plan_name, started_at, end_date,
		       online_platform_fee, online_ops_pct,
		       clinic_platform_fee, clinic_ops_pct,
		       home_platform_fee, home_ops_pct,
		       emergency_platform_fee, emergency_ops_pct
		FROM subscriptions
		WHERE doctor_id = $1
		ORDER BY started_at DESC
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Subscription
	for rows.Next() {
		var s Subscription
		var endDate *time.Time
		err := rows.Scan(
			&s.ID,
			&s.DoctorID,
			&s.PlanName,
			&s.StartedAt,
			&endDate,
			&s.Online.PlatformFee,
			&s.Online.OpsExpensePercent,
			&s.Clinic.PlatformFee,
			&s.Clinic.OpsExpensePercent,
			&s.HomeVisit.PlatformFee,
			&s.HomeVisit.OpsExpensePercent,
			&s.Emergency.PlatformFee,
			&s.Emergency.OpsExpensePercent,
		)
		if err != nil {
			return nil, err
		}
		s.EndDate = endDate
		result = append(result, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// StaticSource serves a fixed subscription list; used by tests and the seed tool.
type StaticSource struct {
	Subs map[uuid.UUID][]Subscription
}

func NewStaticSource() *StaticSource {
	return &StaticSource{Subs: make(map[uuid.UUID][]Subscription)}
}

func (s *StaticSource) Add(sub Subscription) {
	s.Subs[sub.DoctorID] = append(s.Subs[sub.DoctorID], sub)
}

func (s *StaticSource) ActiveSubscription(_ context.Context, doctorID uuid.UUID, now time.Time) (*Subscription, error) {
	return ActiveSubscription(s.Subs[doctorID], now)
}
