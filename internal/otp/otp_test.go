package otp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := Generate()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		for _, c := range code {
			assert.Contains(t, codeCharset, string(c))
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 95, "codes should not repeat")
}

func TestIssue(t *testing.T) {
	now := time.Now()

	t.Run("with ttl", func(t *testing.T) {
		o, err := Issue(now, 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, o.ExpiresAt)
		assert.Equal(t, now.Add(24*time.Hour), *o.ExpiresAt)
		assert.Equal(t, 3, o.MaxAttempts)
		assert.False(t, o.Used)
	})

	t.Run("zero ttl means no expiry", func(t *testing.T) {
		o, err := Issue(now, 0)
		require.NoError(t, err)
		assert.Nil(t, o.ExpiresAt)
	})
}

func TestValidate(t *testing.T) {
	now := time.Now()

	fresh := func() *OTP {
		return &OTP{Code: "AB12CD", GeneratedAt: now, Attempts: 0, MaxAttempts: 3}
	}

	t.Run("match is case-insensitive and does not mark used", func(t *testing.T) {
		o := fresh()
		res := Validate(o, "ab12cd", now)
		assert.True(t, res.OK)
		assert.False(t, o.Used, "marking used is the completion transaction's job")
		assert.Equal(t, 0, o.Attempts, "a correct code costs no attempt")
	})

	t.Run("mismatch counts an attempt and reports remaining", func(t *testing.T) {
		o := fresh()

		res := Validate(o, "WRONG1", now)
		assert.False(t, res.OK)
		assert.Equal(t, ReasonMismatch, res.Reason)
		assert.True(t, res.AttemptCounted)
		assert.Equal(t, 2, res.RemainingAttempts)

		res = Validate(o, "WRONG2", now)
		assert.Equal(t, 1, res.RemainingAttempts)
	})

	t.Run("lockout persists past a later correct code", func(t *testing.T) {
		o := fresh()
		for i := 0; i < 3; i++ {
			Validate(o, "NOPE00", now)
		}

		res := Validate(o, "AB12CD", now)
		assert.False(t, res.OK)
		assert.Equal(t, ReasonMaxAttempts, res.Reason)
	})

	t.Run("used code is rejected", func(t *testing.T) {
		o := fresh()
		o.Used = true
		res := Validate(o, "AB12CD", now)
		assert.Equal(t, ReasonUsed, res.Reason)
	})

	t.Run("expired code is rejected without counting an attempt", func(t *testing.T) {
		o := fresh()
		expired := now.Add(-time.Minute)
		o.ExpiresAt = &expired

		res := Validate(o, "AB12CD", now)
		assert.Equal(t, ReasonExpired, res.Reason)
		assert.Equal(t, 0, o.Attempts)
	})

	t.Run("missing code", func(t *testing.T) {
		res := Validate(nil, "AB12CD", now)
		assert.Equal(t, ReasonMissing, res.Reason)

		res = Validate(&OTP{}, "AB12CD", now)
		assert.Equal(t, ReasonMissing, res.Reason)
	})

	t.Run("non-expiring code validates far in the future", func(t *testing.T) {
		o := fresh()
		res := Validate(o, "AB12CD", now.Add(1000*time.Hour))
		assert.True(t, res.OK)
	})
}
