package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepClinic(t *testing.T) {
	ctx := context.Background()

	t.Run("lapsed pending expires and releases the freeze", func(t *testing.T) {
		env := newTestEnv(t)
		appt := env.bookClinic(t)
		env.advance(26 * time.Hour)

		report, err := env.engine.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Counts[ModalityClinic].Expired)

		current, err := env.repo.GetAppointmentByID(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, current.Status)
		assert.Equal(t, PaymentFailed, current.Payment.Status)
		assert.True(t, current.Payment.WalletFrozen.IsZero())

		balance, frozen, err := env.ledger.Balances(ctx, env.patient.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec(3000)))
		assert.True(t, frozen.IsZero())
	})

	t.Run("lapsed accepted without payment goes unattended", func(t *testing.T) {
		env := newTestEnv(t)
		appt := env.bookClinic(t)
		_, err := env.engine.Accept(ctx, env.doctor, appt.ID, AcceptRequest{})
		require.NoError(t, err)
		env.advance(26 * time.Hour)

		report, err := env.engine.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Counts[ModalityClinic].Unattended)

		current, err := env.repo.GetAppointmentByID(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusUnattended, current.Status)

		// The patient gets their reservation back in full.
		balance, frozen, err := env.ledger.Balances(ctx, env.patient.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec(3000)))
		assert.True(t, frozen.IsZero())

		// And the doctor earned nothing.
		doctorBalance, _, err := env.ledger.Balances(ctx, env.doctor.ID)
		require.NoError(t, err)
		assert.True(t, doctorBalance.IsZero())
	})

	t.Run("lapsed accepted with completed payment closes as completed", func(t *testing.T) {
		env := newTestEnv(t)
		appt := env.bookClinic(t)
		_, err := env.engine.Accept(ctx, env.doctor, appt.ID, AcceptRequest{})
		require.NoError(t, err)

		// Visit happened and was paid, but nobody hit the complete endpoint.
		env.repo.mu.Lock()
		stored := env.repo.appointments[appt.ID]
		stored.Payment.Status = PaymentCompleted
		stored.Payment.WalletFrozen = dec(0)
		env.repo.mu.Unlock()

		env.advance(26 * time.Hour)

		report, err := env.engine.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Counts[ModalityClinic].Completed)

		current, err := env.repo.GetAppointmentByID(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, current.Status)
	})
}

func TestSweepOnline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	appt, err := env.engine.Book(ctx, env.patient, BookRequest{
		Modality:        ModalityOnline,
		DoctorID:        env.doctor.ID,
		SlotStart:       env.now.Add(2 * time.Hour),
		DurationMinutes: 30,
	})
	require.NoError(t, err)

	env.advance(4 * time.Hour)

	report, err := env.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts[ModalityOnline].Expired)

	current, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, current.Status)

	// Online pending holds no reservation; the wallet is untouched.
	balance, frozen, err := env.ledger.Balances(ctx, env.patient.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec(3000)))
	assert.True(t, frozen.IsZero())
}

func TestSweepHomeVisit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	appt, err := env.engine.Book(ctx, env.patient, BookRequest{
		Modality:        ModalityHomeVisit,
		DoctorID:        env.doctor.ID,
		SlotStart:       env.now.Add(24 * time.Hour),
		DurationMinutes: 60,
	})
	require.NoError(t, err)
	travel := dec(200)
	_, err = env.engine.Accept(ctx, env.doctor, appt.ID, AcceptRequest{TravelCost: &travel})
	require.NoError(t, err)
	_, err = env.engine.Confirm(ctx, env.patient, appt.ID)
	require.NoError(t, err)

	env.advance(26 * time.Hour)

	report, err := env.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts[ModalityHomeVisit].Unattended)

	current, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnattended, current.Status)

	balance, frozen, err := env.ledger.Balances(ctx, env.patient.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec(3000)), "full freeze returned")
	assert.True(t, frozen.IsZero())
}

func TestSweepEmergency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	until := env.now.Add(time.Hour)
	require.NoError(t, env.repo.SetDoctorActiveUntil(ctx, env.doctor.ID, &until))

	appt, err := env.engine.Book(ctx, env.patient, BookRequest{
		Modality: ModalityEmergency,
		DoctorID: env.doctor.ID,
	})
	require.NoError(t, err)

	// Within the age limit nothing happens.
	env.advance(time.Hour)
	report, err := env.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Counts[ModalityEmergency].Expired)

	// Past the limit the request expires and the flat fee is released.
	env.advance(2 * time.Hour)
	report, err = env.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts[ModalityEmergency].Expired)

	current, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, current.Status)

	balance, frozen, err := env.ledger.Balances(ctx, env.patient.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec(3000)))
	assert.True(t, frozen.IsZero())
}

func TestSweepClearsLapsedDoctorAvailability(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.engine.SetDoctorActive(ctx, env.doctor, 30*time.Minute))

	env.advance(time.Hour)
	report, err := env.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DoctorsDeactivated)

	doctor, err := env.repo.GetDoctorByID(ctx, env.doctor.ID)
	require.NoError(t, err)
	assert.Nil(t, doctor.ActiveUntil)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.bookClinic(t)
	_, err := env.engine.Book(ctx, env.patient, BookRequest{
		Modality:        ModalityOnline,
		DoctorID:        env.doctor.ID,
		SlotStart:       env.now.Add(2 * time.Hour),
		DurationMinutes: 30,
	})
	require.NoError(t, err)

	env.advance(26 * time.Hour)

	first, err := env.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Total())

	second, err := env.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Total(), "everything already terminal")
}
