package appointment

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SweepCounts tallies the transitions one sweep run made for a modality.
type SweepCounts struct {
	Expired    int `json:"expired"`
	Completed  int `json:"completed"`
	Unattended int `json:"unattended"`
}

type SweepReport struct {
	Counts             map[Modality]SweepCounts `json:"counts"`
	DoctorsDeactivated int                      `json:"doctors_deactivated"`
}

func (r SweepReport) Total() int {
	total := r.DoctorsDeactivated
	for _, c := range r.Counts {
		total += c.Expired + c.Completed + c.Unattended
	}
	return total
}

// SweepExpired reconciles every appointment whose window lapsed without
// resolution and clears lapsed doctor availability. Each transition is a
// status-guarded update, so running the sweep concurrently with live traffic
// or re-running it over the same data is a no-op for anything already moved.
func (e *Engine) SweepExpired(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Counts: make(map[Modality]SweepCounts)}
	now := e.now()

	// Online: no compensating wallet action. Money either moved in full at
	// accept or never moved at all.
	online, err := e.repo.FindLapsedByWindow(ctx, ModalityOnline, []Status{StatusPending, StatusAccepted}, now)
	if err != nil {
		return report, fmt.Errorf("find lapsed online: %w", err)
	}
	counts := SweepCounts{}
	for _, appt := range online {
		if e.expire(ctx, appt, StatusExpired, false) {
			counts.Expired++
		}
	}
	report.Counts[ModalityOnline] = counts

	// Clinic: pending lapses to expired with its freeze released; accepted
	// lapses to completed when already paid, otherwise unattended with the
	// freeze released.
	counts = SweepCounts{}
	clinicPending, err := e.repo.FindLapsedByWindow(ctx, ModalityClinic, []Status{StatusPending}, now)
	if err != nil {
		return report, fmt.Errorf("find lapsed clinic pending: %w", err)
	}
	for _, appt := range clinicPending {
		if e.expire(ctx, appt, StatusExpired, true) {
			counts.Expired++
		}
	}
	clinicAccepted, err := e.repo.FindLapsedByWindow(ctx, ModalityClinic, []Status{StatusAccepted}, now)
	if err != nil {
		return report, fmt.Errorf("find lapsed clinic accepted: %w", err)
	}
	for _, appt := range clinicAccepted {
		if appt.Payment.Status == PaymentCompleted {
			if e.expire(ctx, appt, StatusCompleted, false) {
				counts.Completed++
			}
		} else {
			if e.expire(ctx, appt, StatusUnattended, true) {
				counts.Unattended++
			}
		}
	}
	report.Counts[ModalityClinic] = counts

	// Home visit: nothing is frozen before the patient's confirm.
	counts = SweepCounts{}
	hvEarly, err := e.repo.FindLapsedByWindow(ctx, ModalityHomeVisit, []Status{StatusPending, StatusDoctorAccepted}, now)
	if err != nil {
		return report, fmt.Errorf("find lapsed home-visit early: %w", err)
	}
	for _, appt := range hvEarly {
		if e.expire(ctx, appt, StatusExpired, false) {
			counts.Expired++
		}
	}
	hvConfirmed, err := e.repo.FindLapsedByWindow(ctx, ModalityHomeVisit, []Status{StatusPatientConfirmed}, now)
	if err != nil {
		return report, fmt.Errorf("find lapsed home-visit confirmed: %w", err)
	}
	for _, appt := range hvConfirmed {
		if e.expire(ctx, appt, StatusUnattended, true) {
			counts.Unattended++
		}
	}
	report.Counts[ModalityHomeVisit] = counts

	// Emergency: no scheduled end, so expire on creation age.
	counts = SweepCounts{}
	cutoff := now.Add(-e.cfg.EmergencyMaxAge)
	aged, err := e.repo.FindLapsedByAge(ctx, ModalityEmergency, []Status{StatusPending, StatusInProgress}, cutoff)
	if err != nil {
		return report, fmt.Errorf("find aged emergencies: %w", err)
	}
	for _, appt := range aged {
		if e.expire(ctx, appt, StatusExpired, true) {
			counts.Expired++
		}
	}
	report.Counts[ModalityEmergency] = counts

	cleared, err := e.repo.ClearLapsedDoctorAvailability(ctx, now)
	if err != nil {
		return report, fmt.Errorf("clear lapsed doctor availability: %w", err)
	}
	report.DoctorsDeactivated = cleared

	return report, nil
}

// expire moves one lapsed appointment to its terminal state, optionally
// releasing its wallet reservation first. Returns false when the appointment
// moved on under a concurrent transition (or a prior sweep run) and was left
// alone.
func (e *Engine) expire(ctx context.Context, appt Appointment, to Status, releaseFreeze bool) bool {
	if releaseFreeze && appt.Payment.WalletFrozen.IsPositive() {
		err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
			if _, err := e.repo.UpdateStatus(ctx, appt.ID, appt.Status, to); err != nil {
				return err
			}
			if err := e.wallets.Unfreeze(ctx, appt.PatientID, appt.Payment.WalletFrozen); err != nil {
				return err
			}
			return e.repo.ReleaseFrozen(ctx, appt.ID, PaymentFailed)
		})
		if err != nil {
			e.logSweepSkip(appt, to, err)
			return false
		}
	} else {
		if _, err := e.repo.UpdateStatus(ctx, appt.ID, appt.Status, to); err != nil {
			e.logSweepSkip(appt, to, err)
			return false
		}
	}

	event := EventAppointmentExpired
	if to == StatusUnattended {
		event = EventAppointmentUnattended
	} else if to == StatusCompleted {
		event = EventAppointmentCompleted
	}
	e.logEvent(ctx, appt.ID, event, map[string]any{
		"reason":   "sweep",
		"modality": string(appt.Modality),
		"from":     string(appt.Status),
	})
	return true
}

func (e *Engine) logSweepSkip(appt Appointment, to Status, err error) {
	e.log.Warn("sweep transition skipped",
		zap.Error(err),
		zap.String("appointment_id", appt.ID.String()),
		zap.String("modality", string(appt.Modality)),
		zap.String("from", string(appt.Status)),
		zap.String("to", string(to)),
	)
}
