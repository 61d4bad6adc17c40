package domain

import "fmt"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// remember to add new statuses to the validPaymentStatuses map
var validPaymentStatuses = map[PaymentStatus]struct{}{
	PaymentStatusPending: {},
	PaymentStatusPaid:    {},
	PaymentStatusFailed:  {},
}

func ToPaymentStatus(s string) (PaymentStatus, error) {
	status := PaymentStatus(s)
	if _, ok := validPaymentStatuses[status]; ok {
		return status, nil
	}
	return "", fmt.Errorf("invalid payment status: %q", s)
}

type FulfillmentStatus string

const (
	StatusDraft           FulfillmentStatus = "DRAFT"
	StatusAwaitingPayment FulfillmentStatus = "AWAITING_PAYMENT"
	StatusPlaced          FulfillmentStatus = "PLACED"
	StatusProcessing      FulfillmentStatus = "PROCESSING"
	StatusShipped         FulfillmentStatus = "SHIPPED"
	StatusDelivered       FulfillmentStatus = "DELIVERED"
	StatusCancelled       FulfillmentStatus = "CANCELLED"
	StatusPaymentFailed   FulfillmentStatus = "PAYMENT_FAILED"
)

var validFulfillmentStatuses = map[FulfillmentStatus]struct{}{
	StatusDraft:           {},
	StatusAwaitingPayment: {},
	StatusPlaced:          {},
	StatusProcessing:      {},
	StatusShipped:         {},
	StatusDelivered:       {},
	StatusCancelled:       {},
	StatusPaymentFailed:   {},
}

func ToFulfillmentStatus(s string) (FulfillmentStatus, error) {
	status := FulfillmentStatus(s)
	if _, ok := validFulfillmentStatuses[status]; ok {
		return status, nil
	}
	return "", fmt.Errorf("invalid fulfillment status: %q", s)
}

// IsTerminal reports whether no further transition is legal from this status.
// PaymentFailed is terminal for payment purposes but may re-enter
// AwaitingPayment through a payment retry, and any non-terminal status may
// still be forced to Cancelled.
func (s FulfillmentStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s FulfillmentStatus) String() string {
	return string(s)
}
