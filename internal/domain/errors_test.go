package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpError(t *testing.T) {
	err := &OpError{Op: "redeem", AccountID: "a1", RewardID: "r1", Reason: "validation", Err: ErrInsufficientTier}

	assert.Equal(t, "redeem account=a1 reward=r1 (validation): tier too low for this reward", err.Error())
	assert.ErrorIs(t, err, ErrInsufficientTier)
	assert.True(t, IsValidation(err))
	assert.False(t, IsRetryable(err))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("earn", "a1", nil))

	err := Wrap("earn", "a1", fmt.Errorf("%w: deadlock", ErrConcurrencyConflict))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsValidation(err))
}

func TestCode(t *testing.T) {
	for _, c := range codes {
		wrapped := Wrap("op", "a1", c.err)
		assert.Equal(t, c.code, Code(wrapped))
		assert.Same(t, c.err, FromCode(c.code))
	}
	assert.Equal(t, "internal", Code(errors.New("boom")))
	assert.Nil(t, FromCode("internal"))
}

func TestIsRetryable_FailedCompensationIsFinal(t *testing.T) {
	err := Wrap("redeem", "a1", fmt.Errorf("%w: insert coupon: %v", ErrCompensationFailed, ErrStoreUnavailable))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, "compensation_failed", Code(err))

	joined := errors.Join(ErrCompensationFailed, ErrStoreUnavailable)
	assert.False(t, IsRetryable(joined))
}
