package appointment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/careloop/telehealth-engine/internal/otp"
)

// Modality discriminates the four appointment kinds. Downstream entities
// (prescriptions, ratings) reference an appointment by (id, modality).
type Modality string

const (
	ModalityOnline    Modality = "online"
	ModalityClinic    Modality = "clinic"
	ModalityHomeVisit Modality = "home_visit"
	ModalityEmergency Modality = "emergency"
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusRejected         Status = "rejected"
	StatusDoctorAccepted   Status = "doctor_accepted"
	StatusPatientConfirmed Status = "patient_confirmed"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
	StatusUnattended       Status = "unattended"
)

// Terminal reports whether normal flow may still mutate the appointment.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected, StatusExpired, StatusUnattended:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentFrozen    PaymentStatus = "frozen"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Actor is the authenticated identity behind a transition request. The engine
// trusts that authentication happened upstream but still checks ownership.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// AllowedDurations are the bookable slot lengths in minutes.
var AllowedDurations = map[int]bool{15: true, 30: true, 45: true, 60: true}

type Party struct {
	ID        uuid.UUID
	Role      Role
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clinic is one of a doctor's embedded clinic sub-documents.
type Clinic struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	ConsultationFee decimal.Decimal `json:"consultation_fee"`
}

type Doctor struct {
	Party
	Specialty     *string
	ActiveUntil   *time.Time
	TotalEarnings decimal.Decimal
	// duration minutes -> online consultation price
	OnlinePrices  map[int]decimal.Decimal
	Clinics       []Clinic
	HomeVisitCost *decimal.Decimal
}

// ClinicByID finds an embedded clinic sub-document.
func (d *Doctor) ClinicByID(id uuid.UUID) (*Clinic, bool) {
	for i := range d.Clinics {
		if d.Clinics[i].ID == id {
			return &d.Clinics[i], true
		}
	}
	return nil, false
}

// AvailableAt reports whether the doctor's persisted availability window
// covers the given instant.
func (d *Doctor) AvailableAt(now time.Time) bool {
	return d.ActiveUntil != nil && d.ActiveUntil.After(now)
}

// PaymentDetails tracks the escrow state for one appointment. WalletFrozen is
// a ledger copy of what this appointment has reserved on the patient's wallet;
// at completion WalletDeducted equals Amount and WalletFrozen is zero.
type PaymentDetails struct {
	Amount         decimal.Decimal
	WalletFrozen   decimal.Decimal
	WalletDeducted decimal.Decimal
	Status         PaymentStatus
	PlatformFee    *decimal.Decimal
	OpsExpense     *decimal.Decimal
	DoctorEarning  *decimal.Decimal
}

// HomeVisitPricing is built across two steps: FixedCost at booking,
// TravelCost at the doctor's accept.
type HomeVisitPricing struct {
	FixedCost  decimal.Decimal
	TravelCost decimal.Decimal
	TotalCost  decimal.Decimal
}

type Appointment struct {
	ID        uuid.UUID
	Modality  Modality
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	ClinicID  *uuid.UUID
	Status    Status

	SlotStart       *time.Time
	SlotEnd         *time.Time
	DurationMinutes *int

	Payment PaymentDetails
	Pricing *HomeVisitPricing
	OTP     *otp.OTP

	RoomID         *string
	PrescriptionID *uuid.UUID
	RatingID       *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// overlaps is the strict interval test used by the slot availability check:
// [aStart, aEnd) and [bStart, bEnd) share at least one instant.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
