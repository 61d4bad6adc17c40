package domain

// TransitionEvent is the closed set of signals that may move an order
// between states. Each variant carries exactly the payload its transition
// needs, so the state machine can switch over the concrete type and the
// compiler keeps the set exhaustive.
type TransitionEvent interface {
	// Kind is a stable name used in logs and idempotency keys.
	Kind() string
}

// PaymentConfirmed is the authoritative "payment succeeded" signal, carrying
// the provider's intent ID. Delivering it twice with the same ref is a no-op;
// a different ref is a conflict.
type PaymentConfirmed struct {
	Ref string
}

func (PaymentConfirmed) Kind() string { return "payment_confirmed" }

type PaymentFailed struct {
	Ref    string
	Reason string
}

func (PaymentFailed) Kind() string { return "payment_failed" }

// SellerSetStatus is a seller-driven fulfillment move along
// Placed → Processing → Shipped → Delivered, or a forced Cancelled.
type SellerSetStatus struct {
	Status FulfillmentStatus
}

func (SellerSetStatus) Kind() string { return "seller_set_status" }

type BuyerCancelled struct{}

func (BuyerCancelled) Kind() string { return "buyer_cancelled" }

// PlaceOrder finalizes a draft: COD orders land in Placed directly, online
// orders in AwaitingPayment.
type PlaceOrder struct{}

func (PlaceOrder) Kind() string { return "place_order" }

// RetryPayment re-enters AwaitingPayment from PaymentFailed with a fresh
// provider intent, clearing the stale external ref.
type RetryPayment struct{}

func (RetryPayment) Kind() string { return "retry_payment" }
