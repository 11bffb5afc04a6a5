package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/telehealth-engine/internal/appointment"
	"github.com/careloop/telehealth-engine/internal/billing"
	redisclient "github.com/careloop/telehealth-engine/internal/redis"
	"github.com/careloop/telehealth-engine/internal/wallet"
)

type Handlers struct {
	engine   *appointment.Engine
	validate *validator.Validate
	log      *zap.Logger
}

func NewHandlers(engine *appointment.Engine, log *zap.Logger) *Handlers {
	return &Handlers{
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request) (appointment.Actor, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", "request is not authenticated")
	}
	return actor, ok
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) BookAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req BookAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}

	bookReq := appointment.BookRequest{
		Modality:        appointment.Modality(req.Modality),
		DoctorID:        doctorID,
		DurationMinutes: req.DurationMinutes,
	}
	if req.ClinicID != nil {
		clinicID, err := uuid.Parse(*req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}
		bookReq.ClinicID = &clinicID
	}
	if req.SlotStart != nil {
		bookReq.SlotStart = *req.SlotStart
	}

	appt, err := h.engine.Book(r.Context(), actor, bookReq)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt, actor))
}

func (h *Handlers) GetAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.engine.Get(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, actor))
}

func (h *Handlers) AcceptAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req AcceptAppointmentRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}

	appt, err := h.engine.Accept(r.Context(), actor, id, appointment.AcceptRequest{TravelCost: req.TravelCost})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, actor))
}

func (h *Handlers) RejectAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.engine.Reject(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, actor))
}

func (h *Handlers) ConfirmAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.engine.Confirm(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, actor))
}

func (h *Handlers) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req CompleteAppointmentRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}

	appt, err := h.engine.Complete(r.Context(), actor, id, req.OTP)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, actor))
}

func (h *Handlers) FinalizePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.engine.FinalizePayment(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, actor))
}

func (h *Handlers) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.engine.Cancel(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, actor))
}

func (h *Handlers) SetDoctorActive(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req DoctorActiveRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.engine.SetDoctorActive(r.Context(), actor, time.Duration(req.DurationMinutes)*time.Minute); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) GetWallet(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	stmt, err := h.engine.WalletStatementFor(r.Context(), actor, actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{
		Balance:       stmt.Balance,
		Frozen:        stmt.Frozen,
		Available:     stmt.Available,
		LiveFrozenSum: stmt.LiveFrozenSum,
	})
}

// respondError maps domain errors onto HTTP statuses and machine-readable
// reason codes.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *wallet.InsufficientFundsError
	var otpErr *appointment.OTPValidationError

	switch {
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrClinicNotFound):
		writeError(w, http.StatusNotFound, "clinic_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, wallet.ErrPartyNotFound):
		writeError(w, http.StatusNotFound, "wallet_not_found", err.Error())

	case errors.Is(err, appointment.ErrNotYourAppointment),
		errors.Is(err, appointment.ErrForbiddenRole):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())

	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:     "insufficient_funds",
			Details:   err.Error(),
			Shortfall: insufficient.Shortfall().String(),
		})

	case errors.As(err, &otpErr):
		resp := ErrorResponse{Error: string(otpErr.Reason), Details: err.Error()}
		if otpErr.Reason == "otp_mismatch" {
			remaining := otpErr.RemainingAttempts
			resp.AttemptsRemaining = &remaining
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)

	case errors.Is(err, appointment.ErrSlotUnavailable),
		errors.Is(err, appointment.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrWalletBusy):
		writeError(w, http.StatusConflict, "wallet_busy", err.Error())
	case errors.Is(err, appointment.ErrStatusConflict),
		errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrAppointmentLapsed):
		writeError(w, http.StatusConflict, "appointment_lapsed", err.Error())
	case errors.Is(err, appointment.ErrDoctorUnavailable):
		writeError(w, http.StatusConflict, "doctor_unavailable", err.Error())
	case errors.Is(err, billing.ErrNoActiveSubscription):
		writeError(w, http.StatusConflict, "no_active_subscription", err.Error())

	case errors.Is(err, appointment.ErrUnknownModality),
		errors.Is(err, appointment.ErrInvalidDuration),
		errors.Is(err, appointment.ErrInvalidSlot),
		errors.Is(err, appointment.ErrDurationNotOffered),
		errors.Is(err, appointment.ErrHomeVisitNotOffered),
		errors.Is(err, appointment.ErrTravelCostRequired):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, appointment.ErrRoomProvisioning):
		writeError(w, http.StatusBadGateway, "room_provisioning_failed", err.Error())

	default:
		h.log.Error("unhandled api error",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
	}
}
