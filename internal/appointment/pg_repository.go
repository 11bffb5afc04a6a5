package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/careloop/telehealth-engine/internal/db"
	"github.com/careloop/telehealth-engine/internal/otp"
)

const pgUniqueViolation = "23505"

const appointmentColumns = `
	id, modality, doctor_id, patient_id, clinic_id, status,
	slot_start, slot_end, duration_minutes,
	amount, wallet_frozen, wallet_deducted, payment_status,
	platform_fee, ops_expense, doctor_earning,
	fixed_cost, travel_cost, total_cost,
	otp_code, otp_generated_at, otp_expires_at, otp_attempts, otp_max_attempts, otp_used,
	room_id, prescription_id, rating_id,
	created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) q(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var modality, status, paymentStatus string
	var otpCode *string
	var otpGeneratedAt, otpExpiresAt *time.Time
	var otpAttempts, otpMaxAttempts int
	var otpUsed bool
	var fixedCost, travelCost, totalCost *decimal.Decimal

	err := row.Scan(
		&a.ID, &modality, &a.DoctorID, &a.PatientID, &a.ClinicID, &status,
		&a.SlotStart, &a.SlotEnd, &a.DurationMinutes,
		&a.Payment.Amount, &a.Payment.WalletFrozen, &a.Payment.WalletDeducted, &paymentStatus,
		&a.Payment.PlatformFee, &a.Payment.OpsExpense, &a.Payment.DoctorEarning,
		&fixedCost, &travelCost, &totalCost,
		&otpCode, &otpGeneratedAt, &otpExpiresAt, &otpAttempts, &otpMaxAttempts, &otpUsed,
		&a.RoomID, &a.PrescriptionID, &a.RatingID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Modality = Modality(modality)
	a.Status = Status(status)
	a.Payment.Status = PaymentStatus(paymentStatus)

	if fixedCost != nil {
		a.Pricing = &HomeVisitPricing{FixedCost: *fixedCost}
		if travelCost != nil {
			a.Pricing.TravelCost = *travelCost
		}
		if totalCost != nil {
			a.Pricing.TotalCost = *totalCost
		}
	}

	if otpCode != nil {
		a.OTP = &otp.OTP{
			Code:        *otpCode,
			Attempts:    otpAttempts,
			MaxAttempts: otpMaxAttempts,
			Used:        otpUsed,
			ExpiresAt:   otpExpiresAt,
		}
		if otpGeneratedAt != nil {
			a.OTP.GeneratedAt = *otpGeneratedAt
		}
	}

	return &a, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Party, error) {
	var p Party
	var role string
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, role, name, email, created_at, updated_at
		FROM parties
		WHERE id = $1 AND role = 'patient'
	`, id).Scan(&p.ID, &role, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	p.Role = Role(role)
	return &p, nil
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var d Doctor
	var role string
	var onlinePrices, clinics []byte
	err := r.q(ctx).QueryRow(ctx, `
		SELECT p.id, p.role, p.name, p.email, p.created_at, p.updated_at,
		       d.specialty, d.active_until, d.total_earnings,
		       d.online_prices, d.clinics, d.home_visit_cost
		FROM parties p
		JOIN doctors d ON d.party_id = p.id
		WHERE p.id = $1
	`, id).Scan(
		&d.ID, &role, &d.Name, &d.Email, &d.CreatedAt, &d.UpdatedAt,
		&d.Specialty, &d.ActiveUntil, &d.TotalEarnings,
		&onlinePrices, &clinics, &d.HomeVisitCost,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	d.Role = Role(role)

	var rawPrices map[string]decimal.Decimal
	if err := json.Unmarshal(onlinePrices, &rawPrices); err != nil {
		return nil, fmt.Errorf("decode online prices: %w", err)
	}
	d.OnlinePrices = make(map[int]decimal.Decimal, len(rawPrices))
	for k, v := range rawPrices {
		var minutes int
		if _, err := fmt.Sscanf(k, "%d", &minutes); err == nil {
			d.OnlinePrices[minutes] = v
		}
	}

	if err := json.Unmarshal(clinics, &d.Clinics); err != nil {
		return nil, fmt.Errorf("decode clinics: %w", err)
	}

	return &d, nil
}

func (r *PgRepository) SetDoctorActiveUntil(ctx context.Context, doctorID uuid.UUID, until *time.Time) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE doctors
		SET active_until = $2,
		    updated_at = now()
		WHERE party_id = $1
	`, doctorID, until)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

func (r *PgRepository) ClearLapsedDoctorAvailability(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE doctors
		SET active_until = NULL,
		    updated_at = now()
		WHERE active_until IS NOT NULL
		  AND active_until < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) AddDoctorEarnings(ctx context.Context, doctorID uuid.UUID, amount decimal.Decimal) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE doctors
		SET total_earnings = total_earnings + $2,
		    updated_at = now()
		WHERE party_id = $1
	`, doctorID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	var fixedCost, travelCost, totalCost *decimal.Decimal
	if a.Pricing != nil {
		fixedCost = &a.Pricing.FixedCost
		travelCost = &a.Pricing.TravelCost
		totalCost = &a.Pricing.TotalCost
	}

	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO appointments (
			id, modality, doctor_id, patient_id, clinic_id, status,
			slot_start, slot_end, duration_minutes,
			amount, wallet_frozen, wallet_deducted, payment_status,
			fixed_cost, travel_cost, total_cost,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $14, $15, $16, $16)
	`,
		a.ID, string(a.Modality), a.DoctorID, a.PatientID, a.ClinicID, string(a.Status),
		a.SlotStart, a.SlotEnd, a.DurationMinutes,
		a.Payment.Amount, a.Payment.WalletFrozen, string(a.Payment.Status),
		fixedCost, travelCost, totalCost,
		a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrSlotTaken
		}
		return err
	}
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) HasLiveOverlap(ctx context.Context, doctorID uuid.UUID, clinicID *uuid.UUID, start, end time.Time) (bool, error) {
	var exists bool
	err := r.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE doctor_id = $1
			  AND ($2::uuid IS NULL OR clinic_id = $2)
			  AND status = ANY($3)
			  AND slot_start IS NOT NULL
			  AND slot_start < $5
			  AND slot_end > $4
		)
	`, doctorID, clinicID, statusStrings(AllLiveStatuses), start, end).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.q(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, string(to), string(from))

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, r.statusConflictOrMissing(ctx, id)
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) AttachOTP(ctx context.Context, id uuid.UUID, o otp.OTP) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE appointments
		SET otp_code = $2,
		    otp_generated_at = $3,
		    otp_expires_at = $4,
		    otp_attempts = $5,
		    otp_max_attempts = $6,
		    otp_used = FALSE,
		    updated_at = now()
		WHERE id = $1
	`, id, o.Code, o.GeneratedAt, o.ExpiresAt, o.Attempts, o.MaxAttempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) UpdateOTPAttempts(ctx context.Context, id uuid.UUID, attempts int) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE appointments
		SET otp_attempts = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, attempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) SetRoom(ctx context.Context, id uuid.UUID, roomID string) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE appointments
		SET room_id = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, roomID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) SetHomeVisitPricing(ctx context.Context, id uuid.UUID, from, to Status, pricing HomeVisitPricing) (*Appointment, error) {
	row := r.q(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    fixed_cost = $4,
		    travel_cost = $5,
		    total_cost = $6,
		    amount = $6,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, string(to), string(from), pricing.FixedCost, pricing.TravelCost, pricing.TotalCost)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, r.statusConflictOrMissing(ctx, id)
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) MarkFrozen(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE appointments
		SET wallet_frozen = $2,
		    payment_status = 'frozen',
		    updated_at = now()
		WHERE id = $1
	`, id, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ReleaseFrozen(ctx context.Context, id uuid.UUID, paymentStatus PaymentStatus) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE appointments
		SET wallet_frozen = 0,
		    payment_status = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, string(paymentStatus))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) Settle(ctx context.Context, id uuid.UUID, s Settlement) (*Appointment, error) {
	row := r.q(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    wallet_deducted = $4,
		    wallet_frozen = 0,
		    payment_status = $5,
		    platform_fee = $6,
		    ops_expense = $7,
		    doctor_earning = $8,
		    otp_used = CASE WHEN $9 THEN TRUE ELSE otp_used END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, string(s.To), string(s.From), s.Deducted, string(s.PaymentStatus),
		s.PlatformFee, s.OpsExpense, s.DoctorEarning, s.MarkOTPUsed)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, r.statusConflictOrMissing(ctx, id)
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) FindLapsedByWindow(ctx context.Context, m Modality, statuses []Status, asOf time.Time) ([]Appointment, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE modality = $1
		  AND status = ANY($2)
		  AND slot_end IS NOT NULL
		  AND slot_end < $3
	`, string(m), statusStrings(statuses), asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) FindLapsedByAge(ctx context.Context, m Modality, statuses []Status, cutoff time.Time) ([]Appointment, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE modality = $1
		  AND status = ANY($2)
		  AND created_at < $3
	`, string(m), statusStrings(statuses), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) SumLiveFrozenByPatient(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.q(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(wallet_frozen), 0)
		FROM appointments
		WHERE patient_id = $1
		  AND status = ANY($2)
	`, patientID, statusStrings(AllLiveStatuses)).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// statusConflictOrMissing tells a wrong-status CAS failure apart from a
// genuinely absent row.
func (r *PgRepository) statusConflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrStatusConflict
	}
	return ErrAppointmentNotFound
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
