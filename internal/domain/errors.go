package domain

import "errors"

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrForbidden       = errors.New("forbidden")

	// ErrIllegalTransition reports a transition the state machine does not
	// allow, e.g. PaymentConfirmed on a Delivered order. Callers must
	// surface it, not retry it.
	ErrIllegalTransition = errors.New("illegal order transition")

	// ErrPaymentRefConflict reports a PaymentConfirmed carrying a different
	// external ref than the one already recorded on the order. The order is
	// left untouched and the signal is flagged for manual review.
	ErrPaymentRefConflict = errors.New("conflicting external payment reference")

	ErrAmountMismatch       = errors.New("client amount diverges from server amount")
	ErrEmptyOrder           = errors.New("order has no line items")
	ErrInvalidQuantity      = errors.New("line item quantity must be positive")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrInsufficientStock    = errors.New("insufficient stock")
)
