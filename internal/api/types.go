package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/careloop/telehealth-engine/internal/appointment"
)

type BookAppointmentRequest struct {
	Modality        string     `json:"modality" validate:"required,oneof=online clinic home_visit emergency"`
	DoctorID        string     `json:"doctor_id" validate:"required,uuid4"`
	ClinicID        *string    `json:"clinic_id,omitempty" validate:"omitempty,uuid4"`
	SlotStart       *time.Time `json:"slot_start,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty" validate:"omitempty,oneof=15 30 45 60"`
}

type AcceptAppointmentRequest struct {
	// TravelCost is required for home visits, ignored elsewhere.
	TravelCost *decimal.Decimal `json:"travel_cost,omitempty"`
}

type CompleteAppointmentRequest struct {
	OTP string `json:"otp,omitempty" validate:"omitempty,len=6"`
}

type DoctorActiveRequest struct {
	// DurationMinutes of zero (or omitted) clears the availability window.
	DurationMinutes int `json:"duration_minutes" validate:"min=0,max=1440"`
}

type PaymentResponse struct {
	Amount         decimal.Decimal  `json:"amount"`
	WalletFrozen   decimal.Decimal  `json:"wallet_frozen"`
	WalletDeducted decimal.Decimal  `json:"wallet_deducted"`
	Status         string           `json:"status"`
	PlatformFee    *decimal.Decimal `json:"platform_fee,omitempty"`
	OpsExpense     *decimal.Decimal `json:"ops_expense,omitempty"`
	DoctorEarning  *decimal.Decimal `json:"doctor_earning,omitempty"`
}

type PricingResponse struct {
	FixedCost  decimal.Decimal `json:"fixed_cost"`
	TravelCost decimal.Decimal `json:"travel_cost"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}

type OTPResponse struct {
	Code              string     `json:"code,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	Used              bool       `json:"used"`
}

type AppointmentResponse struct {
	ID              uuid.UUID        `json:"id"`
	Modality        string           `json:"modality"`
	Status          string           `json:"status"`
	DoctorID        uuid.UUID        `json:"doctor_id"`
	PatientID       uuid.UUID        `json:"patient_id"`
	ClinicID        *uuid.UUID       `json:"clinic_id,omitempty"`
	SlotStart       *time.Time       `json:"slot_start,omitempty"`
	SlotEnd         *time.Time       `json:"slot_end,omitempty"`
	DurationMinutes *int             `json:"duration_minutes,omitempty"`
	Payment         PaymentResponse  `json:"payment"`
	Pricing         *PricingResponse `json:"pricing,omitempty"`
	OTP             *OTPResponse     `json:"otp,omitempty"`
	RoomID          *string          `json:"room_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type WalletResponse struct {
	Balance       decimal.Decimal `json:"balance"`
	Frozen        decimal.Decimal `json:"frozen"`
	Available     decimal.Decimal `json:"available"`
	LiveFrozenSum decimal.Decimal `json:"live_frozen_sum"`
}

type ErrorResponse struct {
	Error             string `json:"error"`
	Details           string `json:"details,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
	Shortfall         string `json:"shortfall,omitempty"`
}

// toAppointmentResponse maps the domain record for one of its two parties. The
// OTP code is only ever echoed to the patient; the doctor sees attempt counts
// but must obtain the code from the patient in person.
func toAppointmentResponse(a *appointment.Appointment, actor appointment.Actor) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		Modality:        string(a.Modality),
		Status:          string(a.Status),
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		ClinicID:        a.ClinicID,
		SlotStart:       a.SlotStart,
		SlotEnd:         a.SlotEnd,
		DurationMinutes: a.DurationMinutes,
		Payment: PaymentResponse{
			Amount:         a.Payment.Amount,
			WalletFrozen:   a.Payment.WalletFrozen,
			WalletDeducted: a.Payment.WalletDeducted,
			Status:         string(a.Payment.Status),
			PlatformFee:    a.Payment.PlatformFee,
			OpsExpense:     a.Payment.OpsExpense,
			DoctorEarning:  a.Payment.DoctorEarning,
		},
		RoomID:    a.RoomID,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}

	if a.Pricing != nil {
		resp.Pricing = &PricingResponse{
			FixedCost:  a.Pricing.FixedCost,
			TravelCost: a.Pricing.TravelCost,
			TotalCost:  a.Pricing.TotalCost,
		}
	}

	if a.OTP != nil {
		otpResp := &OTPResponse{
			ExpiresAt:         a.OTP.ExpiresAt,
			AttemptsRemaining: a.OTP.MaxAttempts - a.OTP.Attempts,
			Used:              a.OTP.Used,
		}
		if actor.ID == a.PatientID {
			otpResp.Code = a.OTP.Code
		}
		resp.OTP = otpResp
	}

	return resp
}
