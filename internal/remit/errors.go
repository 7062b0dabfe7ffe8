package remit

import "errors"

var (
	// Validation errors: rejected before any state mutation.
	ErrZeroAddress   = errors.New("zero address")
	ErrZeroAmount    = errors.New("zero amount")
	ErrZeroReference = errors.New("zero payment reference")
	ErrInvalidRate   = errors.New("invalid exchange rate")
	ErrInvalidFee    = errors.New("fee exceeds maximum")

	// Authorization errors.
	ErrNotOwner = errors.New("caller is not the owner")

	// State errors: the record is left untouched.
	ErrRemittanceNotFound   = errors.New("remittance not found")
	ErrRemittanceNotPending = errors.New("remittance not pending")
	ErrNotCustodied         = errors.New("remittance holds no escrowed funds")
	ErrPaymentNotVerified   = errors.New("payment reference not verified")
)
