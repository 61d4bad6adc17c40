// Package lifecycle implements the order state machine: the single place
// where an order's fulfillment and payment statuses may change.
//
// The rules are a pure decision function (Next) so they can be tested
// exhaustively without a database. Applying a decision is the Service's job,
// and always goes through the store's conditional update so that concurrent
// transitions on the same order serialize without a lock held across I/O.
package lifecycle

import (
	"fmt"

	"github.com/quickcart/orderflow/internal/domain"
)

// Decision is the outcome of evaluating a transition event against the
// order's current state.
type Decision struct {
	FulfillmentStatus  domain.FulfillmentStatus
	PaymentStatus      domain.PaymentStatus
	ExternalPaymentRef string

	// NoOp marks a duplicate delivery of an already-applied signal: the
	// caller reports success with the current state and applies nothing.
	NoOp bool
}

// fulfillmentRank orders the seller-driven happy path. A seller may jump
// forward (Placed straight to Delivered) but never backward.
var fulfillmentRank = map[domain.FulfillmentStatus]int{
	domain.StatusPlaced:     1,
	domain.StatusProcessing: 2,
	domain.StatusShipped:    3,
	domain.StatusDelivered:  4,
}

// Next decides how the order reacts to the event. It rejects illegal
// transitions with ErrIllegalTransition and mismatched payment references
// with ErrPaymentRefConflict; it never mutates its inputs.
func Next(order domain.Order, event domain.TransitionEvent) (Decision, error) {
	switch ev := event.(type) {
	case domain.PlaceOrder:
		return nextPlace(order)
	case domain.PaymentConfirmed:
		return nextPaymentConfirmed(order, ev)
	case domain.PaymentFailed:
		return nextPaymentFailed(order, ev)
	case domain.SellerSetStatus:
		return nextSellerStatus(order, ev)
	case domain.BuyerCancelled:
		return nextCancel(order)
	case domain.RetryPayment:
		return nextRetryPayment(order)
	default:
		return Decision{}, fmt.Errorf("unknown transition event %T: %w", event, domain.ErrIllegalTransition)
	}
}

func nextPlace(order domain.Order) (Decision, error) {
	if order.FulfillmentStatus != domain.StatusDraft {
		return Decision{}, reject(order, "place_order")
	}

	status := domain.StatusAwaitingPayment
	if order.PaymentMethod == domain.PaymentCashOnDelivery {
		// COD skips the payment wait entirely.
		status = domain.StatusPlaced
	}

	return Decision{
		FulfillmentStatus: status,
		PaymentStatus:     domain.PaymentStatusPending,
	}, nil
}

func nextPaymentConfirmed(order domain.Order, ev domain.PaymentConfirmed) (Decision, error) {
	if ev.Ref == "" {
		return Decision{}, fmt.Errorf("payment_confirmed without ref: %w", domain.ErrIllegalTransition)
	}

	// Redelivery of the signal that already confirmed this order.
	if order.ExternalPaymentRef == ev.Ref && order.PaymentStatus == domain.PaymentStatusPaid {
		return Decision{
			FulfillmentStatus:  order.FulfillmentStatus,
			PaymentStatus:      order.PaymentStatus,
			ExternalPaymentRef: order.ExternalPaymentRef,
			NoOp:               true,
		}, nil
	}

	// A different ref than the one already recorded points at a
	// mis-attributed callback. Leave the order alone.
	if order.ExternalPaymentRef != "" && order.ExternalPaymentRef != ev.Ref {
		return Decision{}, fmt.Errorf("order %s has ref %s, got %s: %w",
			order.ID, order.ExternalPaymentRef, ev.Ref, domain.ErrPaymentRefConflict)
	}

	if order.FulfillmentStatus != domain.StatusAwaitingPayment {
		return Decision{}, reject(order, "payment_confirmed")
	}

	return Decision{
		FulfillmentStatus:  domain.StatusPlaced,
		PaymentStatus:      domain.PaymentStatusPaid,
		ExternalPaymentRef: ev.Ref,
	}, nil
}

func nextPaymentFailed(order domain.Order, ev domain.PaymentFailed) (Decision, error) {
	// Redelivery of an already-recorded failure.
	if order.FulfillmentStatus == domain.StatusPaymentFailed &&
		(ev.Ref == "" || order.ExternalPaymentRef == ev.Ref) {
		return Decision{
			FulfillmentStatus:  order.FulfillmentStatus,
			PaymentStatus:      order.PaymentStatus,
			ExternalPaymentRef: order.ExternalPaymentRef,
			NoOp:               true,
		}, nil
	}

	if order.ExternalPaymentRef != "" && ev.Ref != "" && order.ExternalPaymentRef != ev.Ref {
		return Decision{}, fmt.Errorf("order %s has ref %s, got %s: %w",
			order.ID, order.ExternalPaymentRef, ev.Ref, domain.ErrPaymentRefConflict)
	}

	if order.FulfillmentStatus != domain.StatusAwaitingPayment {
		return Decision{}, reject(order, "payment_failed")
	}

	return Decision{
		FulfillmentStatus:  domain.StatusPaymentFailed,
		PaymentStatus:      domain.PaymentStatusFailed,
		ExternalPaymentRef: ev.Ref,
	}, nil
}

func nextSellerStatus(order domain.Order, ev domain.SellerSetStatus) (Decision, error) {
	if ev.Status == domain.StatusCancelled {
		return nextCancel(order)
	}

	targetRank, ok := fulfillmentRank[ev.Status]
	if !ok {
		return Decision{}, fmt.Errorf("status %s is not seller-settable: %w", ev.Status, domain.ErrIllegalTransition)
	}

	currentRank, ok := fulfillmentRank[order.FulfillmentStatus]
	if !ok || targetRank <= currentRank {
		return Decision{}, reject(order, "seller_set_status")
	}

	paymentStatus := order.PaymentStatus
	if ev.Status == domain.StatusDelivered && order.PaymentMethod == domain.PaymentCashOnDelivery {
		// Cash is collected on delivery; the same atomic update records it.
		paymentStatus = domain.PaymentStatusPaid
	}

	return Decision{
		FulfillmentStatus:  ev.Status,
		PaymentStatus:      paymentStatus,
		ExternalPaymentRef: order.ExternalPaymentRef,
	}, nil
}

func nextCancel(order domain.Order) (Decision, error) {
	if order.FulfillmentStatus.IsTerminal() {
		return Decision{}, reject(order, "cancel")
	}

	return Decision{
		FulfillmentStatus:  domain.StatusCancelled,
		PaymentStatus:      order.PaymentStatus,
		ExternalPaymentRef: order.ExternalPaymentRef,
	}, nil
}

func nextRetryPayment(order domain.Order) (Decision, error) {
	if order.FulfillmentStatus != domain.StatusPaymentFailed {
		return Decision{}, reject(order, "retry_payment")
	}

	// The stale intent ref is cleared so the fresh attempt's ref can be
	// recorded without tripping the conflict guard.
	return Decision{
		FulfillmentStatus: domain.StatusAwaitingPayment,
		PaymentStatus:     domain.PaymentStatusPending,
	}, nil
}

func reject(order domain.Order, event string) error {
	return fmt.Errorf("order %s in %s rejects %s: %w",
		order.ID, order.FulfillmentStatus, event, domain.ErrIllegalTransition)
}
