// Package constant holds sentinel errors and engine-wide default values shared
// across the command and query services.
package constant

import "errors"

// Sentinel errors for programmatic handling. Services translate these into
// business errors with stable codes via pkg.ValidateBusinessError.
var (
	ErrPoolNotFound                   = errors.New("0001")
	ErrPoolPaused                     = errors.New("0002")
	ErrAmountBelowMinimum             = errors.New("0003")
	ErrAmountAboveMaximum             = errors.New("0004")
	ErrExposureLimitExceeded          = errors.New("0005")
	ErrReserveRatioViolation          = errors.New("0006")
	ErrInsufficientEffectiveAvailable = errors.New("0007")
	ErrRiskTierMismatch               = errors.New("0008")
	ErrFarmerLimitExceeded            = errors.New("0009")
	ErrConcurrentMutation             = errors.New("0010")
	ErrLockUnavailable                = errors.New("0011")
	ErrReservationNotFound            = errors.New("0012")
	ErrInvariantViolation             = errors.New("0013")
	ErrStoreUnavailable               = errors.New("0014")
	ErrCacheUnavailable               = errors.New("0015")
	ErrValidationError                = errors.New("0016")
	ErrInternalError                  = errors.New("0017")
	ErrReservationCommitted           = errors.New("0018")
)
