package otp

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const (
	codeLength  = 6
	codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultMaxAttempts = 3
)

// OTP is the proof-of-delivery code attached to an appointment at its
// confirmation step. The owning record persists it; this package only holds
// the rules.
type OTP struct {
	Code        string
	GeneratedAt time.Time
	ExpiresAt   *time.Time // nil means the code never expires
	Attempts    int
	MaxAttempts int
	Used        bool
}

// Reason classifies a failed validation.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonMissing     Reason = "otp_missing"
	ReasonUsed        Reason = "otp_already_used"
	ReasonMaxAttempts Reason = "otp_max_attempts"
	ReasonExpired     Reason = "otp_expired"
	ReasonMismatch    Reason = "otp_mismatch"
)

// Result reports the outcome of a validation. When a mismatch increments the
// attempt counter, AttemptCounted is set so the caller knows to persist it
// before responding.
type Result struct {
	OK                bool
	Reason            Reason
	RemainingAttempts int
	AttemptCounted    bool
}

// Generate produces a 6-character uppercase alphanumeric code from a
// cryptographically strong source.
func Generate() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(codeCharset[int(c)%len(codeCharset)])
	}
	return b.String(), nil
}

// Issue creates a fresh OTP. ttl of zero means no expiry.
func Issue(now time.Time, ttl time.Duration) (OTP, error) {
	code, err := Generate()
	if err != nil {
		return OTP{}, err
	}

	o := OTP{
		Code:        code,
		GeneratedAt: now,
		Attempts:    0,
		MaxAttempts: DefaultMaxAttempts,
		Used:        false,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		o.ExpiresAt = &expires
	}
	return o, nil
}

// Validate checks supplied against the stored code. Checks run in a fixed
// order: presence, not used, attempts remaining, not expired, then
// case-insensitive equality. A mismatch increments Attempts in place; the
// caller must persist the mutation before returning failure so a retried
// request cannot replay an already-counted guess. A match does NOT set Used;
// marking the code used belongs to the caller's completion transaction.
func Validate(o *OTP, supplied string, now time.Time) Result {
	if o == nil || o.Code == "" {
		return Result{Reason: ReasonMissing}
	}
	if o.Used {
		return Result{Reason: ReasonUsed}
	}
	if o.Attempts >= o.MaxAttempts {
		return Result{Reason: ReasonMaxAttempts}
	}
	if o.ExpiresAt != nil && now.After(*o.ExpiresAt) {
		return Result{Reason: ReasonExpired}
	}

	if !strings.EqualFold(strings.TrimSpace(supplied), o.Code) {
		o.Attempts++
		return Result{
			Reason:            ReasonMismatch,
			RemainingAttempts: o.MaxAttempts - o.Attempts,
			AttemptCounted:    true,
		}
	}

	return Result{OK: true, RemainingAttempts: o.MaxAttempts - o.Attempts}
}
