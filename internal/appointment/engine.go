package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/careloop/telehealth-engine/internal/billing"
	"github.com/careloop/telehealth-engine/internal/config"
	"github.com/careloop/telehealth-engine/internal/db"
	"github.com/careloop/telehealth-engine/internal/notify"
	"github.com/careloop/telehealth-engine/internal/otp"
	redisclient "github.com/careloop/telehealth-engine/internal/redis"
	"github.com/careloop/telehealth-engine/internal/rooms"
	"github.com/careloop/telehealth-engine/internal/wallet"
)

const (
	EventAppointmentBooked     = "APPOINTMENT_BOOKED"
	EventAppointmentCompleted  = "APPOINTMENT_COMPLETED"
	EventAppointmentExpired    = "APPOINTMENT_EXPIRED"
	EventAppointmentUnattended = "APPOINTMENT_UNATTENDED"
)

var (
	ErrUnknownModality     = errors.New("unknown modality")
	ErrInvalidTransition   = errors.New("invalid status for requested transition")
	ErrNotYourAppointment  = errors.New("appointment does not belong to this party")
	ErrForbiddenRole       = errors.New("role may not perform this transition")
	ErrSlotUnavailable     = errors.New("slot is not available")
	ErrSlotBeingBooked     = errors.New("slot is currently being booked, please retry")
	ErrWalletBusy          = errors.New("another wallet operation is in progress, please retry")
	ErrInvalidDuration     = errors.New("duration must be 15, 30, 45 or 60 minutes")
	ErrInvalidSlot         = errors.New("slot window is invalid")
	ErrDurationNotOffered  = errors.New("doctor does not offer this duration")
	ErrHomeVisitNotOffered = errors.New("doctor does not offer home visits")
	ErrDoctorUnavailable   = errors.New("doctor is not currently available")
	ErrTravelCostRequired  = errors.New("travel cost is required to accept a home visit")
	ErrAppointmentLapsed   = errors.New("appointment time window has passed")
	ErrRoomProvisioning    = errors.New("video room provisioning failed")
)

// OTPValidationError carries the machine-readable reason and, on a mismatch,
// how many attempts remain before lockout.
type OTPValidationError struct {
	Reason            otp.Reason
	RemainingAttempts int
}

func (e *OTPValidationError) Error() string {
	if e.Reason == otp.ReasonMismatch {
		return fmt.Sprintf("otp validation failed: %s (%d attempts remaining)", e.Reason, e.RemainingAttempts)
	}
	return fmt.Sprintf("otp validation failed: %s", e.Reason)
}

// Engine drives all four modality lifecycles over one shared implementation.
// Money only ever moves through the wallet ledger, and every settlement runs
// inside a single transaction with the status change it pays for.
type Engine struct {
	repo     Repository
	wallets  wallet.Ledger
	subs     billing.SubscriptionSource
	locker   redisclient.Locker
	rooms    rooms.Provisioner
	notifier notify.Publisher
	tx       db.TxRunner
	cfg      config.Config
	log      *zap.Logger

	now func() time.Time
}

func NewEngine(
	repo Repository,
	wallets wallet.Ledger,
	subs billing.SubscriptionSource,
	locker redisclient.Locker,
	roomProvisioner rooms.Provisioner,
	notifier notify.Publisher,
	tx db.TxRunner,
	cfg config.Config,
	log *zap.Logger,
) *Engine {
	return &Engine{
		repo:     repo,
		wallets:  wallets,
		subs:     subs,
		locker:   locker,
		rooms:    roomProvisioner,
		notifier: notifier,
		tx:       tx,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

type BookRequest struct {
	Modality        Modality
	DoctorID        uuid.UUID
	ClinicID        *uuid.UUID
	SlotStart       time.Time
	DurationMinutes int
}

// Book creates an appointment in its initial pending status, reserving funds
// according to the modality's policy. The slot-conflict check and the insert
// run inside a per-slot distributed lock; the partial unique index on live
// slots backs the check up against anything the lock misses.
func (e *Engine) Book(ctx context.Context, actor Actor, req BookRequest) (*Appointment, error) {
	if actor.Role != RolePatient {
		return nil, ErrForbiddenRole
	}

	desc, ok := DescriptorFor(req.Modality)
	if !ok {
		return nil, ErrUnknownModality
	}

	if _, err := e.repo.GetPatientByID(ctx, actor.ID); err != nil {
		return nil, err
	}
	doctor, err := e.repo.GetDoctorByID(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	appt := &Appointment{
		ID:        uuid.New(),
		Modality:  req.Modality,
		DoctorID:  req.DoctorID,
		PatientID: actor.ID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if desc.RequiresSlot {
		if !AllowedDurations[req.DurationMinutes] {
			return nil, ErrInvalidDuration
		}
		if req.SlotStart.IsZero() || req.SlotStart.Before(now) {
			return nil, ErrInvalidSlot
		}
		start := req.SlotStart
		end := start.Add(time.Duration(req.DurationMinutes) * time.Minute)
		duration := req.DurationMinutes
		appt.SlotStart = &start
		appt.SlotEnd = &end
		appt.DurationMinutes = &duration
	}

	var freezeAmount decimal.Decimal

	switch req.Modality {
	case ModalityOnline:
		price, ok := doctor.OnlinePrices[req.DurationMinutes]
		if !ok {
			return nil, ErrDurationNotOffered
		}
		// Online settles in full at the doctor's accept; booking only proves
		// the patient can pay right now.
		available, err := e.wallets.AvailableBalance(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		if available.LessThan(price) {
			return nil, &wallet.InsufficientFundsError{Op: "book_online", Required: price, Available: available}
		}
		appt.Payment = PaymentDetails{Amount: price, Status: PaymentPending}

	case ModalityClinic:
		if req.ClinicID == nil {
			return nil, ErrClinicNotFound
		}
		clinic, ok := doctor.ClinicByID(*req.ClinicID)
		if !ok {
			return nil, ErrClinicNotFound
		}
		appt.ClinicID = req.ClinicID
		appt.Payment = PaymentDetails{Amount: clinic.ConsultationFee, Status: PaymentPending}
		freezeAmount = clinic.ConsultationFee

	case ModalityHomeVisit:
		if doctor.HomeVisitCost == nil {
			return nil, ErrHomeVisitNotOffered
		}
		// Tentative total: the doctor's accept adds travel cost and the
		// patient's confirm is the actual freeze point.
		appt.Pricing = &HomeVisitPricing{
			FixedCost:  *doctor.HomeVisitCost,
			TravelCost: decimal.Zero,
			TotalCost:  *doctor.HomeVisitCost,
		}
		appt.Payment = PaymentDetails{Amount: *doctor.HomeVisitCost, Status: PaymentPending}

	case ModalityEmergency:
		if !doctor.AvailableAt(now) {
			return nil, ErrDoctorUnavailable
		}
		appt.Payment = PaymentDetails{Amount: e.cfg.EmergencyFee, Status: PaymentPending}
		freezeAmount = e.cfg.EmergencyFee
	}

	create := func(ctx context.Context) error {
		if desc.RequiresSlot {
			taken, err := e.repo.HasLiveOverlap(ctx, req.DoctorID, appt.ClinicID, *appt.SlotStart, *appt.SlotEnd)
			if err != nil {
				return fmt.Errorf("check slot overlap: %w", err)
			}
			if taken {
				return ErrSlotUnavailable
			}
		}

		if freezeAmount.IsPositive() {
			if err := e.wallets.Freeze(ctx, actor.ID, freezeAmount); err != nil {
				return err
			}
			appt.Payment.WalletFrozen = freezeAmount
			appt.Payment.Status = PaymentFrozen
		}

		if err := e.repo.CreateAppointment(ctx, appt); err != nil {
			if freezeAmount.IsPositive() {
				if uerr := e.wallets.Unfreeze(ctx, actor.ID, freezeAmount); uerr != nil {
					e.log.Error("compensating unfreeze after failed booking",
						zap.Error(uerr), zap.String("patient_id", actor.ID.String()))
				}
			}
			if errors.Is(err, ErrSlotTaken) {
				return ErrSlotUnavailable
			}
			return fmt.Errorf("create appointment: %w", err)
		}
		return nil
	}

	if desc.RequiresSlot {
		clinicKey := ""
		if appt.ClinicID != nil {
			clinicKey = appt.ClinicID.String()
		}
		lockKey := redisclient.SlotLockKey(req.DoctorID, clinicKey, *appt.SlotStart)
		err = e.locker.WithLock(ctx, lockKey, create)
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
	} else {
		// No slot means no slot lock; serialize on the patient's wallet so
		// concurrent emergency requests freeze one at a time.
		err = e.locker.WithLock(ctx, redisclient.WalletLockKey(actor.ID), create)
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrWalletBusy
		}
	}
	if err != nil {
		return nil, err
	}

	e.logEvent(ctx, appt.ID, EventAppointmentBooked, map[string]any{
		"modality":   string(appt.Modality),
		"doctor_id":  appt.DoctorID.String(),
		"patient_id": appt.PatientID.String(),
		"amount":     appt.Payment.Amount.String(),
	})
	e.notifier.Publish(ctx, notify.Event{
		Type:          EventAppointmentBooked,
		AppointmentID: appt.ID,
		Modality:      string(appt.Modality),
		Status:        string(appt.Status),
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		At:            now,
	})

	return appt, nil
}

type AcceptRequest struct {
	// TravelCost is required for home visits and ignored elsewhere.
	TravelCost *decimal.Decimal
}

// Accept is the doctor's forward transition out of pending. What it does is
// modality-specific: online settles the full payment, clinic issues the OTP,
// home visit prices in the travel cost, emergency opens the video room.
func (e *Engine) Accept(ctx context.Context, actor Actor, id uuid.UUID, req AcceptRequest) (*Appointment, error) {
	appt, desc, err := e.loadOwned(ctx, actor, RoleDoctor, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	if err := e.refuseIfLapsed(ctx, appt, desc); err != nil {
		return nil, err
	}

	now := e.now()

	switch appt.Modality {
	case ModalityOnline:
		sub, err := e.subs.ActiveSubscription(ctx, appt.DoctorID, now)
		if err != nil {
			return nil, err
		}
		pair, err := sub.PairFor(string(appt.Modality))
		if err != nil {
			return nil, err
		}
		roomID, err := e.provisionRoom(ctx, appt.ID, desc)
		if err != nil {
			return nil, err
		}

		breakdown := billing.DoctorEarning(appt.Payment.Amount, pair)
		var updated *Appointment
		err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
			// Online never froze: debit the available balance directly.
			if err := e.wallets.Debit(ctx, appt.PatientID, appt.Payment.Amount); err != nil {
				return err
			}
			if err := e.wallets.Credit(ctx, appt.DoctorID, breakdown.DoctorEarning); err != nil {
				return err
			}
			if err := e.repo.AddDoctorEarnings(ctx, appt.DoctorID, breakdown.DoctorEarning); err != nil {
				return err
			}
			if err := e.repo.SetRoom(ctx, appt.ID, roomID); err != nil {
				return err
			}
			updated, err = e.repo.Settle(ctx, appt.ID, Settlement{
				From:          StatusPending,
				To:            desc.AcceptTo,
				Deducted:      appt.Payment.Amount,
				PaymentStatus: PaymentCompleted,
				PlatformFee:   breakdown.PlatformFee,
				OpsExpense:    breakdown.OpsExpense,
				DoctorEarning: breakdown.DoctorEarning,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return updated, nil

	case ModalityClinic:
		code, err := otp.Issue(now, e.cfg.OTPTTL(string(appt.Modality)))
		if err != nil {
			return nil, err
		}
		var updated *Appointment
		err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
			updated, err = e.repo.UpdateStatus(ctx, appt.ID, StatusPending, desc.AcceptTo)
			if err != nil {
				return err
			}
			return e.repo.AttachOTP(ctx, appt.ID, code)
		})
		if err != nil {
			return nil, err
		}
		updated.OTP = &code
		return updated, nil

	case ModalityHomeVisit:
		if req.TravelCost == nil || req.TravelCost.IsNegative() {
			return nil, ErrTravelCostRequired
		}
		pricing := HomeVisitPricing{
			FixedCost:  appt.Pricing.FixedCost,
			TravelCost: *req.TravelCost,
			TotalCost:  appt.Pricing.FixedCost.Add(*req.TravelCost),
		}
		return e.repo.SetHomeVisitPricing(ctx, appt.ID, StatusPending, desc.AcceptTo, pricing)

	case ModalityEmergency:
		roomID, err := e.provisionRoom(ctx, appt.ID, desc)
		if err != nil {
			return nil, err
		}
		var updated *Appointment
		err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
			updated, err = e.repo.UpdateStatus(ctx, appt.ID, StatusPending, desc.AcceptTo)
			if err != nil {
				return err
			}
			return e.repo.SetRoom(ctx, appt.ID, roomID)
		})
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, ErrUnknownModality
}

// provisionRoom calls out to the room service for modalities that need one.
func (e *Engine) provisionRoom(ctx context.Context, apptID uuid.UUID, desc Descriptor) (string, error) {
	if !desc.RequiresRoom {
		return "", nil
	}
	roomID, err := e.rooms.CreateRoom(ctx, apptID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRoomProvisioning, err)
	}
	return roomID, nil
}

// Reject declines a pending request (online) or a not-yet-confirmed home
// visit. No money has moved in either state.
func (e *Engine) Reject(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, _, err := e.loadOwned(ctx, actor, RoleDoctor, id)
	if err != nil {
		return nil, err
	}

	switch {
	case appt.Modality == ModalityOnline && appt.Status == StatusPending:
		return e.repo.UpdateStatus(ctx, appt.ID, StatusPending, StatusRejected)
	case appt.Modality == ModalityHomeVisit && (appt.Status == StatusPending || appt.Status == StatusDoctorAccepted):
		return e.repo.UpdateStatus(ctx, appt.ID, appt.Status, StatusRejected)
	default:
		return nil, ErrInvalidTransition
	}
}

// Confirm is the home-visit patient's acceptance of the doctor's total price.
// This is the actual freeze point: the full total is reserved on the wallet
// and the proof-of-delivery OTP issued.
func (e *Engine) Confirm(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, desc, err := e.loadOwned(ctx, actor, RolePatient, id)
	if err != nil {
		return nil, err
	}
	if appt.Modality != ModalityHomeVisit {
		return nil, ErrInvalidTransition
	}
	if appt.Status != StatusDoctorAccepted {
		return nil, ErrInvalidTransition
	}
	if err := e.refuseIfLapsed(ctx, appt, desc); err != nil {
		return nil, err
	}

	total := appt.Pricing.TotalCost
	code, err := otp.Issue(e.now(), e.cfg.OTPTTL(string(appt.Modality)))
	if err != nil {
		return nil, err
	}

	var updated *Appointment
	err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.wallets.Freeze(ctx, appt.PatientID, total); err != nil {
			return err
		}
		updated, err = e.repo.UpdateStatus(ctx, appt.ID, StatusDoctorAccepted, StatusPatientConfirmed)
		if err != nil {
			return err
		}
		if err := e.repo.MarkFrozen(ctx, appt.ID, total); err != nil {
			return err
		}
		return e.repo.AttachOTP(ctx, appt.ID, code)
	})
	if err != nil {
		return nil, err
	}

	updated.Payment.Amount = total
	updated.Payment.WalletFrozen = total
	updated.Payment.Status = PaymentFrozen
	updated.OTP = &code
	return updated, nil
}

// Complete settles an OTP-gated appointment (clinic, home visit) or flips an
// already-paid online appointment to completed. The OTP attempt counter is
// persisted before any failure response so retried guesses keep counting
// toward lockout; the settlement itself is one transaction, so a wallet
// failure at the last moment leaves status and OTP usage untouched.
func (e *Engine) Complete(ctx context.Context, actor Actor, id uuid.UUID, suppliedOTP string) (*Appointment, error) {
	appt, desc, err := e.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	if desc.UsesOTP {
		return e.completeWithOTP(ctx, actor, appt, suppliedOTP, desc.CompleteFrom)
	}

	if appt.Modality == ModalityOnline {
		// Either party may close out a finished call; payment happened at accept.
		if actor.ID != appt.PatientID && actor.ID != appt.DoctorID {
			return nil, ErrNotYourAppointment
		}
		if appt.Status != StatusAccepted {
			return nil, ErrInvalidTransition
		}
		updated, err := e.repo.UpdateStatus(ctx, appt.ID, StatusAccepted, StatusCompleted)
		if err != nil {
			return nil, err
		}
		e.emitCompleted(ctx, updated)
		return updated, nil
	}

	// Emergency closes through FinalizePayment, not here.
	return nil, ErrInvalidTransition
}

func (e *Engine) completeWithOTP(ctx context.Context, actor Actor, appt *Appointment, suppliedOTP string, from Status) (*Appointment, error) {
	if actor.Role != RoleDoctor || actor.ID != appt.DoctorID {
		if actor.ID != appt.DoctorID {
			return nil, ErrNotYourAppointment
		}
		return nil, ErrForbiddenRole
	}
	if appt.Status != from {
		return nil, ErrInvalidTransition
	}

	now := e.now()
	res := otp.Validate(appt.OTP, suppliedOTP, now)
	if res.AttemptCounted {
		// Persist the incremented counter before responding, so a replayed
		// request cannot reuse an already-counted attempt.
		if err := e.repo.UpdateOTPAttempts(ctx, appt.ID, appt.OTP.Attempts); err != nil {
			return nil, fmt.Errorf("persist otp attempts: %w", err)
		}
	}
	if !res.OK {
		return nil, &OTPValidationError{Reason: res.Reason, RemainingAttempts: res.RemainingAttempts}
	}

	sub, err := e.subs.ActiveSubscription(ctx, appt.DoctorID, now)
	if err != nil {
		return nil, err
	}
	pair, err := sub.PairFor(string(appt.Modality))
	if err != nil {
		return nil, err
	}
	breakdown := billing.DoctorEarning(appt.Payment.Amount, pair)

	var updated *Appointment
	err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.wallets.DeductFrozen(ctx, appt.PatientID, appt.Payment.Amount); err != nil {
			return err
		}
		if err := e.wallets.Credit(ctx, appt.DoctorID, breakdown.DoctorEarning); err != nil {
			return err
		}
		if err := e.repo.AddDoctorEarnings(ctx, appt.DoctorID, breakdown.DoctorEarning); err != nil {
			return err
		}
		updated, err = e.repo.Settle(ctx, appt.ID, Settlement{
			From:          from,
			To:            StatusCompleted,
			Deducted:      appt.Payment.Amount,
			PaymentStatus: PaymentCompleted,
			PlatformFee:   breakdown.PlatformFee,
			OpsExpense:    breakdown.OpsExpense,
			DoctorEarning: breakdown.DoctorEarning,
			MarkOTPUsed:   true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emitCompleted(ctx, updated)
	return updated, nil
}

// FinalizePayment settles an emergency consultation once the doctor has
// joined. Safe to repeat: an already-completed appointment reports success
// without moving money again.
func (e *Engine) FinalizePayment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, _, err := e.loadOwned(ctx, actor, RoleDoctor, id)
	if err != nil {
		return nil, err
	}
	if appt.Modality != ModalityEmergency {
		return nil, ErrInvalidTransition
	}
	if appt.Status == StatusCompleted && appt.Payment.Status == PaymentCompleted {
		return appt, nil
	}
	if appt.Status != StatusInProgress {
		return nil, ErrInvalidTransition
	}

	now := e.now()
	sub, err := e.subs.ActiveSubscription(ctx, appt.DoctorID, now)
	if err != nil {
		return nil, err
	}
	pair, err := sub.PairFor(string(appt.Modality))
	if err != nil {
		return nil, err
	}
	breakdown := billing.DoctorEarning(appt.Payment.Amount, pair)

	var updated *Appointment
	err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.wallets.DeductFrozen(ctx, appt.PatientID, appt.Payment.Amount); err != nil {
			return err
		}
		if err := e.wallets.Credit(ctx, appt.DoctorID, breakdown.DoctorEarning); err != nil {
			return err
		}
		if err := e.repo.AddDoctorEarnings(ctx, appt.DoctorID, breakdown.DoctorEarning); err != nil {
			return err
		}
		updated, err = e.repo.Settle(ctx, appt.ID, Settlement{
			From:          StatusInProgress,
			To:            StatusCompleted,
			Deducted:      appt.Payment.Amount,
			PaymentStatus: PaymentCompleted,
			PlatformFee:   breakdown.PlatformFee,
			OpsExpense:    breakdown.OpsExpense,
			DoctorEarning: breakdown.DoctorEarning,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emitCompleted(ctx, updated)
	return updated, nil
}

// Cancel withdraws a home visit from any non-terminal state, releasing the
// reservation when the patient had already confirmed.
func (e *Engine) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, _, err := e.loadOwned(ctx, actor, RolePatient, id)
	if err != nil {
		return nil, err
	}
	if appt.Modality != ModalityHomeVisit {
		return nil, ErrInvalidTransition
	}
	if appt.Status.Terminal() {
		return nil, ErrInvalidTransition
	}

	var updated *Appointment
	err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
		if appt.Payment.WalletFrozen.IsPositive() {
			if err := e.wallets.Unfreeze(ctx, appt.PatientID, appt.Payment.WalletFrozen); err != nil {
				return err
			}
			if err := e.repo.ReleaseFrozen(ctx, appt.ID, PaymentPending); err != nil {
				return err
			}
		}
		updated, err = e.repo.UpdateStatus(ctx, appt.ID, appt.Status, StatusCancelled)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetDoctorActive persists the doctor's availability window. Replaces the
// in-process auto-revert timer: the sweeper clears lapsed windows, so
// correctness survives restarts and multiple server instances.
func (e *Engine) SetDoctorActive(ctx context.Context, actor Actor, d time.Duration) error {
	if actor.Role != RoleDoctor {
		return ErrForbiddenRole
	}
	if _, err := e.repo.GetDoctorByID(ctx, actor.ID); err != nil {
		return err
	}
	if d <= 0 {
		return e.repo.SetDoctorActiveUntil(ctx, actor.ID, nil)
	}
	until := e.now().Add(d)
	return e.repo.SetDoctorActiveUntil(ctx, actor.ID, &until)
}

// Get returns an appointment to one of its two parties.
func (e *Engine) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, _, err := e.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != appt.PatientID && actor.ID != appt.DoctorID {
		return nil, ErrNotYourAppointment
	}
	return appt, nil
}

// WalletStatement is the ops view of a patient wallet, including the
// cross-appointment frozen aggregate kept as a consistency oracle.
type WalletStatement struct {
	Balance        decimal.Decimal
	Frozen         decimal.Decimal
	Available      decimal.Decimal
	LiveFrozenSum  decimal.Decimal
	FrozenMismatch bool
}

// WalletStatementFor reads a party's balances and cross-checks the wallet's
// frozen counter against the sum of its live appointments' ledger copies. The
// sum may never exceed the wallet's frozen total.
func (e *Engine) WalletStatementFor(ctx context.Context, actor Actor, partyID uuid.UUID) (*WalletStatement, error) {
	if actor.ID != partyID {
		return nil, ErrNotYourAppointment
	}
	balance, frozen, err := e.wallets.Balances(ctx, partyID)
	if err != nil {
		return nil, err
	}
	liveSum, err := e.repo.SumLiveFrozenByPatient(ctx, partyID)
	if err != nil {
		return nil, err
	}
	mismatch := liveSum.GreaterThan(frozen)
	if mismatch {
		e.log.Error("live appointment freezes exceed wallet frozen total",
			zap.String("party_id", partyID.String()),
			zap.String("wallet_frozen", frozen.String()),
			zap.String("live_frozen_sum", liveSum.String()),
		)
	}
	return &WalletStatement{
		Balance:        balance,
		Frozen:         frozen,
		Available:      balance.Sub(frozen),
		LiveFrozenSum:  liveSum,
		FrozenMismatch: mismatch,
	}, nil
}

// loadOwned loads the appointment and checks the acting party owns its side.
func (e *Engine) loadOwned(ctx context.Context, actor Actor, want Role, id uuid.UUID) (*Appointment, Descriptor, error) {
	appt, desc, err := e.loadAppointment(ctx, id)
	if err != nil {
		return nil, Descriptor{}, err
	}
	if actor.Role != want {
		return nil, Descriptor{}, ErrForbiddenRole
	}
	owner := appt.PatientID
	if want == RoleDoctor {
		owner = appt.DoctorID
	}
	if actor.ID != owner {
		return nil, Descriptor{}, ErrNotYourAppointment
	}
	return appt, desc, nil
}

func (e *Engine) loadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, Descriptor, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, Descriptor{}, err
	}
	desc, ok := DescriptorFor(appt.Modality)
	if !ok {
		return nil, Descriptor{}, ErrUnknownModality
	}
	return appt, desc, nil
}

// refuseIfLapsed rejects interactive transitions on appointments whose slot
// window has already passed; the sweeper owns those.
func (e *Engine) refuseIfLapsed(_ context.Context, appt *Appointment, desc Descriptor) error {
	if !desc.RequiresSlot || appt.SlotEnd == nil {
		return nil
	}
	if appt.SlotEnd.Before(e.now()) {
		return ErrAppointmentLapsed
	}
	return nil
}

func (e *Engine) emitCompleted(ctx context.Context, appt *Appointment) {
	e.logEvent(ctx, appt.ID, EventAppointmentCompleted, map[string]any{
		"modality": string(appt.Modality),
		"amount":   appt.Payment.Amount.String(),
	})
	e.notifier.Publish(ctx, notify.Event{
		Type:          EventAppointmentCompleted,
		AppointmentID: appt.ID,
		Modality:      string(appt.Modality),
		Status:        string(appt.Status),
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		At:            e.now(),
	})
}

func (e *Engine) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("marshal event payload", zap.Error(err), zap.String("event", eventType))
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     e.now(),
	}

	if err := e.repo.InsertEvent(ctx, ev); err != nil {
		e.log.Error("insert event log",
			zap.Error(err),
			zap.String("event", eventType),
			zap.String("appointment_id", appointmentID.String()),
		)
	}
}
