package domain

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/currency"
)

// Money is an amount in integer minor units (cents) with an ISO currency.
// All monetary arithmetic in the system is integer arithmetic.
type Money struct {
	Amount   int64
	Currency currency.Unit
}

type PaymentMethod string

const (
	PaymentCashOnDelivery PaymentMethod = "COD"
	PaymentOnline         PaymentMethod = "ONLINE"
)

func ToPaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case PaymentCashOnDelivery, PaymentOnline:
		return PaymentMethod(s), nil
	}
	return "", ErrInvalidPaymentMethod
}

// Variant is an optional per-line-item product option, e.g. a colour.
type Variant struct {
	Name  string
	Value string
}

type LineItem struct {
	ProductID uuid.UUID
	Quantity  int
	Variant   *Variant
}

// Order is a buyer's committed purchase, tracked through payment and
// fulfillment. Mutations go through lifecycle.Service, never through ad hoc
// field writes: the store's conditional update on FulfillmentStatus is what
// serializes concurrent transitions on the same order.
type Order struct {
	ID                uuid.UUID
	BuyerID           string
	Items             []LineItem
	Amount            Money
	PaymentMethod     PaymentMethod
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus

	// ExternalPaymentRef is the provider's payment intent ID. Set once on
	// the first confirmed payment signal; a later signal carrying a
	// different ref is a conflict, never an overwrite.
	ExternalPaymentRef string

	ShippingAddressID uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OwnedBy reports whether the given verified identity owns this order.
func (o Order) OwnedBy(buyerID string) bool {
	return o.BuyerID == buyerID
}

type Address struct {
	ID        uuid.UUID
	OwnerID   string
	FullName  string
	Phone     string
	Area      string
	City      string
	State     string
	Zip       string
	CreatedAt time.Time
}

type Product struct {
	ID         uuid.UUID
	SellerID   string
	Name       string
	Price      Money
	OfferPrice Money
	Stock      int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Cart is a buyer's transient selection, keyed by product plus variant.
type Cart struct {
	OwnerID string
	Items   []CartItem
}

type CartItem struct {
	ProductID uuid.UUID
	Quantity  int
	Variant   *Variant
}

// Key identifies a cart line: productID alone, or productID|name:value when a
// variant is selected. The same product with two variants is two lines.
func (i CartItem) Key() string {
	if i.Variant == nil {
		return i.ProductID.String()
	}
	return i.ProductID.String() + "|" + i.Variant.Name + ":" + i.Variant.Value
}
