package appointment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/careloop/telehealth-engine/internal/otp"
)

// MemRepository is an in-memory Repository for tests. It enforces the same
// compare-and-swap semantics and slot uniqueness as the Postgres
// implementation, minus transactions.
type MemRepository struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]Party
	doctors      map[uuid.UUID]Doctor
	appointments map[uuid.UUID]*Appointment
	events       []EventLog
}

func NewMemRepository() *MemRepository {
	return &MemRepository{
		patients:     make(map[uuid.UUID]Party),
		doctors:      make(map[uuid.UUID]Doctor),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (r *MemRepository) AddPatient(p Party) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Role = RolePatient
	r.patients[p.ID] = p
}

func (r *MemRepository) AddDoctor(d Doctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.Role = RoleDoctor
	r.doctors[d.ID] = d
}

func (r *MemRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

func copyAppointment(a *Appointment) *Appointment {
	dup := *a
	if a.Pricing != nil {
		pricing := *a.Pricing
		dup.Pricing = &pricing
	}
	if a.OTP != nil {
		code := *a.OTP
		dup.OTP = &code
	}
	return &dup
}

func (r *MemRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Party, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemRepository) SetDoctorActiveUntil(_ context.Context, doctorID uuid.UUID, until *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[doctorID]
	if !ok {
		return ErrDoctorNotFound
	}
	d.ActiveUntil = until
	r.doctors[doctorID] = d
	return nil
}

func (r *MemRepository) ClearLapsedDoctorAvailability(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cleared := 0
	for id, d := range r.doctors {
		if d.ActiveUntil != nil && d.ActiveUntil.Before(now) {
			d.ActiveUntil = nil
			r.doctors[id] = d
			cleared++
		}
	}
	return cleared, nil
}

func (r *MemRepository) AddDoctorEarnings(_ context.Context, doctorID uuid.UUID, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[doctorID]
	if !ok {
		return ErrDoctorNotFound
	}
	d.TotalEarnings = d.TotalEarnings.Add(amount)
	r.doctors[doctorID] = d
	return nil
}

func (r *MemRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.SlotStart != nil {
		for _, existing := range r.appointments {
			if existing.DoctorID != a.DoctorID || existing.SlotStart == nil {
				continue
			}
			if !statusIn(existing.Status, AllLiveStatuses) {
				continue
			}
			if !sameClinic(existing.ClinicID, a.ClinicID) {
				continue
			}
			if existing.SlotStart.Equal(*a.SlotStart) && existing.SlotEnd.Equal(*a.SlotEnd) {
				return ErrSlotTaken
			}
		}
	}

	r.appointments[a.ID] = copyAppointment(a)
	return nil
}

func (r *MemRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return copyAppointment(a), nil
}

func (r *MemRepository) HasLiveOverlap(_ context.Context, doctorID uuid.UUID, clinicID *uuid.UUID, start, end time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appointments {
		if a.DoctorID != doctorID || a.SlotStart == nil {
			continue
		}
		if !statusIn(a.Status, AllLiveStatuses) {
			continue
		}
		if clinicID != nil && !sameClinic(a.ClinicID, clinicID) {
			continue
		}
		if overlaps(*a.SlotStart, *a.SlotEnd, start, end) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusConflict
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	return copyAppointment(a), nil
}

func (r *MemRepository) AttachOTP(_ context.Context, id uuid.UUID, o otp.OTP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.OTP = &o
	return nil
}

func (r *MemRepository) UpdateOTPAttempts(_ context.Context, id uuid.UUID, attempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if a.OTP == nil {
		return ErrAppointmentNotFound
	}
	a.OTP.Attempts = attempts
	return nil
}

func (r *MemRepository) SetRoom(_ context.Context, id uuid.UUID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.RoomID = &roomID
	return nil
}

func (r *MemRepository) SetHomeVisitPricing(_ context.Context, id uuid.UUID, from, to Status, pricing HomeVisitPricing) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusConflict
	}
	a.Status = to
	p := pricing
	a.Pricing = &p
	a.Payment.Amount = pricing.TotalCost
	a.UpdatedAt = time.Now()
	return copyAppointment(a), nil
}

func (r *MemRepository) MarkFrozen(_ context.Context, id uuid.UUID, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.Payment.WalletFrozen = amount
	a.Payment.Status = PaymentFrozen
	return nil
}

func (r *MemRepository) ReleaseFrozen(_ context.Context, id uuid.UUID, paymentStatus PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.Payment.WalletFrozen = decimal.Zero
	a.Payment.Status = paymentStatus
	return nil
}

func (r *MemRepository) Settle(_ context.Context, id uuid.UUID, s Settlement) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != s.From {
		return nil, ErrStatusConflict
	}
	a.Status = s.To
	a.Payment.WalletDeducted = s.Deducted
	a.Payment.WalletFrozen = decimal.Zero
	a.Payment.Status = s.PaymentStatus
	fee, ops, earning := s.PlatformFee, s.OpsExpense, s.DoctorEarning
	a.Payment.PlatformFee = &fee
	a.Payment.OpsExpense = &ops
	a.Payment.DoctorEarning = &earning
	if s.MarkOTPUsed && a.OTP != nil {
		a.OTP.Used = true
	}
	a.UpdatedAt = time.Now()
	return copyAppointment(a), nil
}

func (r *MemRepository) FindLapsedByWindow(_ context.Context, m Modality, statuses []Status, asOf time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []Appointment
	for _, a := range r.appointments {
		if a.Modality != m || a.SlotEnd == nil {
			continue
		}
		if !statusIn(a.Status, statuses) {
			continue
		}
		if a.SlotEnd.Before(asOf) {
			result = append(result, *copyAppointment(a))
		}
	}
	return result, nil
}

func (r *MemRepository) FindLapsedByAge(_ context.Context, m Modality, statuses []Status, cutoff time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []Appointment
	for _, a := range r.appointments {
		if a.Modality != m {
			continue
		}
		if !statusIn(a.Status, statuses) {
			continue
		}
		if a.CreatedAt.Before(cutoff) {
			result = append(result, *copyAppointment(a))
		}
	}
	return result, nil
}

func (r *MemRepository) SumLiveFrozenByPatient(_ context.Context, patientID uuid.UUID) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := decimal.Zero
	for _, a := range r.appointments {
		if a.PatientID != patientID {
			continue
		}
		if !statusIn(a.Status, AllLiveStatuses) {
			continue
		}
		sum = sum.Add(a.Payment.WalletFrozen)
	}
	return sum, nil
}

func (r *MemRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func sameClinic(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
