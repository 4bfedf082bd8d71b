package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidInput            = errors.New("invalid input")
	ErrAccountExists           = errors.New("account already exists")
	ErrInsufficientBalance     = errors.New("insufficient points balance")
	ErrInsufficientTier        = errors.New("tier too low for this reward")
	ErrRewardInactiveOrExpired = errors.New("reward is inactive or expired")
	ErrUsageLimitExceeded      = errors.New("reward usage limit exceeded")
	ErrInvalidAmount           = errors.New("invalid points amount")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidAdjustment       = errors.New("adjustment requires a reason and an actor")
	ErrSelfReferral            = errors.New("account cannot refer itself")
	ErrCouponNotUsable         = errors.New("coupon is not usable")
	ErrConcurrencyConflict     = errors.New("concurrent update conflict, retry the operation")
	ErrStoreUnavailable        = errors.New("store unavailable")
	// ErrCompensationFailed means points were debited and could not be
	// returned. Replaying the request would debit again.
	ErrCompensationFailed      = errors.New("redemption refund failed, manual correction required")
)

// OpError attaches the failing operation and the entities involved to one of
// the sentinel errors above. errors.Is sees through it.
type OpError struct {
	Op        string
	AccountID string
	RewardID  string
	Reason    string
	Err       error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.AccountID != "" {
		msg += " account=" + e.AccountID
	}
	if e.RewardID != "" {
		msg += " reward=" + e.RewardID
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err.
func Wrap(op, accountID string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, AccountID: accountID, Err: err}
}

// IsValidation reports whether err was caused by caller input or business
// rules rather than by infrastructure.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidInput,
		ErrInsufficientBalance,
		ErrInsufficientTier,
		ErrRewardInactiveOrExpired,
		ErrUsageLimitExceeded,
		ErrInvalidAmount,
		ErrInvalidTransactionType,
		ErrInvalidAdjustment,
		ErrSelfReferral,
		ErrCouponNotUsable,
		ErrAccountExists,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the same request may succeed if sent again.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCompensationFailed) {
		return false
	}
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStoreUnavailable)
}

var codes = []struct {
	code string
	err  error
}{
	{"not_found", ErrNotFound},
	{"invalid_input", ErrInvalidInput},
	{"account_exists", ErrAccountExists},
	{"insufficient_balance", ErrInsufficientBalance},
	{"insufficient_tier", ErrInsufficientTier},
	{"reward_unavailable", ErrRewardInactiveOrExpired},
	{"usage_limit_exceeded", ErrUsageLimitExceeded},
	{"invalid_amount", ErrInvalidAmount},
	{"invalid_transaction_type", ErrInvalidTransactionType},
	{"invalid_adjustment", ErrInvalidAdjustment},
	{"self_referral", ErrSelfReferral},
	{"coupon_not_usable", ErrCouponNotUsable},
	{"concurrency_conflict", ErrConcurrencyConflict},
	{"compensation_failed", ErrCompensationFailed},
	{"store_unavailable", ErrStoreUnavailable},
}

// Code is the stable wire name of the sentinel behind err, or "internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode is the inverse of Code. Unknown codes come back as nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
