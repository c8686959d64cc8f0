// Package pkg provides cross-cutting helpers shared by the engine's services:
// the business error catalogue and small conveniences with no better home.
package pkg

import (
	"errors"
	"fmt"

	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// BusinessError is a catalogued failure with a stable code for programmatic
// handling. It wraps the matching sentinel from pkg/constant so callers can
// use errors.Is against the sentinels.
type BusinessError struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`

	// Alternatives carries up to three candidate pools annotated with the
	// constraint that excluded them, on selection failures.
	Alternatives []pmodel.PoolAlternative `json:"alternatives,omitempty"`

	Err error `json:"-"`
}

func (e BusinessError) Error() string {
	return e.Message
}

func (e BusinessError) Unwrap() error {
	return e.Err
}

type catalogEntry struct {
	code  string
	title string
}

var catalog = map[error]catalogEntry{
	constant.ErrPoolNotFound:                   {"POOL_NOT_FOUND", "Pool Not Found"},
	constant.ErrPoolPaused:                     {"POOL_PAUSED", "Pool Not Active"},
	constant.ErrAmountBelowMinimum:             {"AMOUNT_BELOW_MINIMUM", "Amount Below Minimum"},
	constant.ErrAmountAboveMaximum:             {"AMOUNT_ABOVE_MAXIMUM", "Amount Above Maximum"},
	constant.ErrExposureLimitExceeded:          {"EXPOSURE_LIMIT_EXCEEDED", "Exposure Limit Exceeded"},
	constant.ErrReserveRatioViolation:          {"RESERVE_RATIO_VIOLATION", "Reserve Ratio Violation"},
	constant.ErrInsufficientEffectiveAvailable: {"INSUFFICIENT_EFFECTIVE_AVAILABLE", "Insufficient Effective Available"},
	constant.ErrRiskTierMismatch:               {"RISK_TIER_MISMATCH", "Risk Tier Mismatch"},
	constant.ErrFarmerLimitExceeded:            {"FARMER_LIMIT_EXCEEDED", "Farmer Limit Exceeded"},
	constant.ErrConcurrentMutation:             {"CONCURRENT_MUTATION", "Concurrent Mutation"},
	constant.ErrLockUnavailable:                {"LOCK_UNAVAILABLE", "Lock Unavailable"},
	constant.ErrReservationNotFound:            {"RESERVATION_NOT_FOUND", "Reservation Not Found"},
	constant.ErrInvariantViolation:             {"INVARIANT_VIOLATION", "Invariant Violation"},
	constant.ErrStoreUnavailable:               {"STORE_UNAVAILABLE", "Store Unavailable"},
	constant.ErrCacheUnavailable:               {"CACHE_UNAVAILABLE", "Cache Unavailable"},
	constant.ErrValidationError:                {"VALIDATION_ERROR", "Validation Error"},
	constant.ErrInternalError:                  {"INTERNAL_ERROR", "Internal Error"},
	constant.ErrReservationCommitted:           {"RESERVATION_ALREADY_COMMITTED", "Reservation Already Committed"},
}

// ValidateBusinessError maps a sentinel from pkg/constant to its catalogued
// business error, formatting the message with the given arguments. Unknown
// errors pass through unchanged.
func ValidateBusinessError(err error, format string, args ...any) error {
	entry, ok := catalog[err]
	if !ok {
		return err
	}

	return BusinessError{
		Code:    entry.code,
		Title:   entry.title,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// WithAlternatives attaches candidate pool alternatives to a business error.
func WithAlternatives(err error, alts []pmodel.PoolAlternative) error {
	var be BusinessError
	if errors.As(err, &be) {
		if len(alts) > 3 {
			alts = alts[:3]
		}

		be.Alternatives = alts

		return be
	}

	return err
}

// IsRetryable reports whether the engine may retry the operation internally
// with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, constant.ErrConcurrentMutation) ||
		errors.Is(err, constant.ErrLockUnavailable) ||
		errors.Is(err, constant.ErrStoreUnavailable) ||
		errors.Is(err, constant.ErrCacheUnavailable)
}

// IsFatal reports whether the failure indicates ledger corruption and must
// abort without retry.
func IsFatal(err error) bool {
	return errors.Is(err, constant.ErrInvariantViolation)
}
