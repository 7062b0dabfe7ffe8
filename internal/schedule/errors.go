package schedule

import "errors"

var (
	// Validation errors.
	ErrZeroAddress = errors.New("zero address")
	ErrZeroAmount  = errors.New("zero amount")
	ErrInvalidDate = errors.New("scheduled date must be in the future")
	ErrInvalidDay  = errors.New("recurring day must be between 1 and 28")
	ErrInvalidRate = errors.New("invalid exchange rate")
	ErrInvalidFee  = errors.New("fee exceeds maximum")

	// Authorization errors.
	ErrNotOwner  = errors.New("caller is not the owner")
	ErrNotSender = errors.New("caller is not the schedule sender")

	// State errors.
	ErrScheduleNotFound           = errors.New("schedule not found")
	ErrAlreadyExecutedOrCancelled = errors.New("schedule already executed or cancelled")
	ErrTooEarly                   = errors.New("scheduled date not reached")
)
