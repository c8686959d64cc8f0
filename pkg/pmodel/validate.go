package pmodel

import (
	"errors"

	validator "gopkg.in/go-playground/validator.v9"
)

// Invariant violations surfaced by Pool.CheckInvariants.
var (
	ErrNegativeCapital = errors.New("capital field would go negative")
	ErrCapitalMismatch = errors.New("capital fields do not sum to total capital")
)

var validate = validator.New()

// Validate runs struct-tag validation on a caller input.
func Validate(input any) error {
	return validate.Struct(input)
}
