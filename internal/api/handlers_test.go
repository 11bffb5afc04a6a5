package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/careloop/telehealth-engine/internal/appointment"
	"github.com/careloop/telehealth-engine/internal/billing"
	"github.com/careloop/telehealth-engine/internal/config"
	"github.com/careloop/telehealth-engine/internal/notify"
	"github.com/careloop/telehealth-engine/internal/wallet"
)

const testSecret = "test-secret"

type passthroughTx struct{}

func (passthroughTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type passthroughLocker struct{}

func (passthroughLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type staticRooms struct{}

func (staticRooms) CreateRoom(_ context.Context, appointmentID uuid.UUID) (string, error) {
	return "room-" + appointmentID.String()[:8], nil
}

type apiFixture struct {
	router    http.Handler
	repo      *appointment.MemRepository
	ledger    *wallet.MemLedger
	patientID uuid.UUID
	doctorID  uuid.UUID
	clinicID  uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo := appointment.NewMemRepository()
	ledger := wallet.NewMemLedger(nil)
	subs := billing.NewStaticSource()

	patientID := uuid.New()
	doctorID := uuid.New()
	clinicID := uuid.New()

	repo.AddPatient(appointment.Party{ID: patientID, Name: "Asha"})
	repo.AddDoctor(appointment.Doctor{
		Party: appointment.Party{ID: doctorID, Name: "Dr. Rao"},
		Clinics: []appointment.Clinic{
			{ID: clinicID, Name: "Lakeview Clinic", ConsultationFee: decimal.NewFromInt(1000)},
		},
	})
	ledger.CreateAccount(patientID, decimal.NewFromInt(3000))
	ledger.CreateAccount(doctorID, decimal.Zero)

	subs.Add(billing.Subscription{
		ID:        uuid.New(),
		DoctorID:  doctorID,
		PlanName:  "standard",
		StartedAt: time.Now().Add(-24 * time.Hour),
		Clinic:    billing.FeePair{PlatformFee: decimal.NewFromInt(50), OpsExpensePercent: decimal.NewFromInt(10)},
	})

	cfg := config.Config{
		OTPTTLClinic: 24 * time.Hour,
		EmergencyFee: decimal.NewFromInt(2500),
	}

	engine := appointment.NewEngine(
		repo, ledger, subs,
		passthroughLocker{}, staticRooms{}, notify.NoopPublisher{},
		passthroughTx{}, cfg, zap.NewNop(),
	)

	router := NewRouter(RouterConfig{
		Engine:    engine,
		JWTSecret: testSecret,
		Env:       "test",
		Version:   "test",
		Log:       zap.NewNop(),
	})

	return &apiFixture{
		router:    router,
		repo:      repo,
		ledger:    ledger,
		patientID: patientID,
		doctorID:  doctorID,
		clinicID:  clinicID,
	}
}

func mintToken(t *testing.T, partyID uuid.UUID, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  partyID.String(),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) bookClinic(t *testing.T, slotStart time.Time) AppointmentResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/appointments", mintToken(t, f.patientID, "patient"), map[string]any{
		"modality":         "clinic",
		"doctor_id":        f.doctorID.String(),
		"clinic_id":        f.clinicID.String(),
		"slot_start":       slotStart.Format(time.RFC3339),
		"duration_minutes": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/appointments", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/appointments", "not-a-jwt", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBookClinicEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	slot := time.Now().Add(24 * time.Hour).Truncate(time.Minute)

	resp := f.bookClinic(t, slot)
	assert.Equal(t, "clinic", resp.Modality)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "frozen", resp.Payment.Status)
	assert.True(t, resp.Payment.WalletFrozen.Equal(decimal.NewFromInt(1000)))

	t.Run("same slot conflicts", func(t *testing.T) {
		other := uuid.New()
		f.repo.AddPatient(appointment.Party{ID: other, Name: "Binod"})
		f.ledger.CreateAccount(other, decimal.NewFromInt(5000))

		rec := f.do(t, http.MethodPost, "/appointments", mintToken(t, other, "patient"), map[string]any{
			"modality":         "clinic",
			"doctor_id":        f.doctorID.String(),
			"clinic_id":        f.clinicID.String(),
			"slot_start":       slot.Format(time.RFC3339),
			"duration_minutes": 30,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)

		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, "slot_unavailable", errResp.Error)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		broke := uuid.New()
		f.repo.AddPatient(appointment.Party{ID: broke, Name: "Dev"})
		f.ledger.CreateAccount(broke, decimal.NewFromInt(400))

		rec := f.do(t, http.MethodPost, "/appointments", mintToken(t, broke, "patient"), map[string]any{
			"modality":         "clinic",
			"doctor_id":        f.doctorID.String(),
			"clinic_id":        f.clinicID.String(),
			"slot_start":       slot.Add(time.Hour).Format(time.RFC3339),
			"duration_minutes": 30,
		})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)

		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, "insufficient_funds", errResp.Error)
		assert.Equal(t, "600", errResp.Shortfall)
	})

	t.Run("validation failure", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/appointments", mintToken(t, f.patientID, "patient"), map[string]any{
			"modality":  "carrier_pigeon",
			"doctor_id": f.doctorID.String(),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestClinicFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	slot := time.Now().Add(24 * time.Hour).Truncate(time.Minute)
	booked := f.bookClinic(t, slot)

	patientToken := mintToken(t, f.patientID, "patient")
	doctorToken := mintToken(t, f.doctorID, "doctor")

	// Patient may not accept.
	rec := f.do(t, http.MethodPost, "/appointments/"+booked.ID.String()+"/accept", patientToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/appointments/"+booked.ID.String()+"/accept", doctorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var accepted AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "accepted", accepted.Status)
	require.NotNil(t, accepted.OTP)
	assert.Empty(t, accepted.OTP.Code, "doctor never sees the code")

	// The patient reads their own record to get the code.
	rec = f.do(t, http.MethodGet, "/appointments/"+booked.ID.String(), patientToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var patientView AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patientView))
	require.NotNil(t, patientView.OTP)
	require.Len(t, patientView.OTP.Code, 6)

	// A wrong guess reports remaining attempts.
	rec = f.do(t, http.MethodPost, "/appointments/"+booked.ID.String()+"/complete", doctorToken,
		map[string]string{"otp": "XXXXXX"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var otpErr ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &otpErr))
	assert.Equal(t, "otp_mismatch", otpErr.Error)
	require.NotNil(t, otpErr.AttemptsRemaining)
	assert.Equal(t, 2, *otpErr.AttemptsRemaining)

	// The right code settles.
	rec = f.do(t, http.MethodPost, "/appointments/"+booked.ID.String()+"/complete", doctorToken,
		map[string]string{"otp": patientView.OTP.Code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var completed AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completed))
	assert.Equal(t, "completed", completed.Status)
	assert.Equal(t, "completed", completed.Payment.Status)
	require.NotNil(t, completed.Payment.DoctorEarning)
	assert.True(t, completed.Payment.DoctorEarning.Equal(decimal.NewFromInt(850)))

	// Wallet statement reflects the settlement.
	rec = f.do(t, http.MethodGet, "/wallet", patientToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var walletResp WalletResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &walletResp))
	assert.True(t, walletResp.Balance.Equal(decimal.NewFromInt(2000)))
	assert.True(t, walletResp.Frozen.IsZero())
}

func TestGetAppointmentAccessControl(t *testing.T) {
	f := newAPIFixture(t)
	booked := f.bookClinic(t, time.Now().Add(24*time.Hour))

	stranger := uuid.New()
	f.repo.AddPatient(appointment.Party{ID: stranger, Name: "Mallory"})

	rec := f.do(t, http.MethodGet, "/appointments/"+booked.ID.String(), mintToken(t, stranger, "patient"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/appointments/not-a-uuid", mintToken(t, f.patientID, "patient"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/appointments/"+uuid.New().String(), mintToken(t, f.patientID, "patient"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDoctorActiveEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/doctors/active", mintToken(t, f.doctorID, "doctor"),
		map[string]int{"duration_minutes": 60})
	assert.Equal(t, http.StatusOK, rec.Code)

	// A patient flipping availability is forbidden.
	rec = f.do(t, http.MethodPost, "/doctors/active", mintToken(t, f.patientID, "patient"),
		map[string]int{"duration_minutes": 60})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
