package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/careloop/telehealth-engine/internal/otp"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrClinicNotFound      = errors.New("clinic not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotTaken is returned when the live-slot uniqueness constraint fires.
	ErrSlotTaken = errors.New("slot already has a live appointment")
	// ErrStatusConflict is returned when a guarded status update matched no
	// row: the appointment moved on under a concurrent request.
	ErrStatusConflict = errors.New("appointment is not in the required status")
)

// Settlement is the final money movement recorded on the appointment in the
// same transaction as the patient debit and doctor credit.
type Settlement struct {
	From          Status
	To            Status
	Deducted      decimal.Decimal
	PaymentStatus PaymentStatus
	PlatformFee   decimal.Decimal
	OpsExpense    decimal.Decimal
	DoctorEarning decimal.Decimal
	MarkOTPUsed   bool
}

// Repository contains all DB interactions needed by the engine. Methods run
// inside the transaction carried by ctx when one is present.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Party, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	SetDoctorActiveUntil(ctx context.Context, doctorID uuid.UUID, until *time.Time) error
	// ClearLapsedDoctorAvailability nulls active_until where the window has
	// passed; returns how many doctors were deactivated.
	ClearLapsedDoctorAvailability(ctx context.Context, now time.Time) (int, error)
	AddDoctorEarnings(ctx context.Context, doctorID uuid.UUID, amount decimal.Decimal) error

	CreateAppointment(ctx context.Context, appt *Appointment) error
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// HasLiveOverlap reports whether any live appointment for the doctor (and
	// clinic resource, when given) strictly overlaps [start, end).
	HasLiveOverlap(ctx context.Context, doctorID uuid.UUID, clinicID *uuid.UUID, start, end time.Time) (bool, error)

	// UpdateStatus is a compare-and-swap on status; ErrStatusConflict when the
	// appointment is no longer in `from`.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	AttachOTP(ctx context.Context, id uuid.UUID, o otp.OTP) error
	// UpdateOTPAttempts persists the attempt counter; must be committed before
	// an OTP failure response is returned.
	UpdateOTPAttempts(ctx context.Context, id uuid.UUID, attempts int) error

	SetRoom(ctx context.Context, id uuid.UUID, roomID string) error
	SetHomeVisitPricing(ctx context.Context, id uuid.UUID, from, to Status, pricing HomeVisitPricing) (*Appointment, error)

	// MarkFrozen records the ledger copy of a reservation on the appointment.
	MarkFrozen(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error
	// ReleaseFrozen zeroes the ledger copy after a compensating unfreeze.
	ReleaseFrozen(ctx context.Context, id uuid.UUID, paymentStatus PaymentStatus) error

	// Settle moves the appointment to its settled state, guarded on `From`.
	Settle(ctx context.Context, id uuid.UUID, s Settlement) (*Appointment, error)

	// Expiry sweep queries.
	FindLapsedByWindow(ctx context.Context, m Modality, statuses []Status, asOf time.Time) ([]Appointment, error)
	FindLapsedByAge(ctx context.Context, m Modality, statuses []Status, cutoff time.Time) ([]Appointment, error)

	// SumLiveFrozenByPatient aggregates wallet_frozen across the patient's
	// live appointments. Consistency oracle only; the wallet's frozen column
	// is the source of truth.
	SumLiveFrozenByPatient(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
