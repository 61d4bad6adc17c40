// Package dispatch delivers order lifecycle events to side-effect consumers
// (stock adjustment, cart clearing, notifications) asynchronously and
// at-least-once. Producers enqueue after their transition has committed; the
// order write is authoritative and the bus only ever carries side effects.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quickcart/orderflow/internal/domain"
)

type EventType string

const (
	EventOrderPlaced      EventType = "order.placed"
	EventPaymentCompleted EventType = "order.payment_completed"
	EventPaymentFailed    EventType = "order.payment_failed"
	EventStatusChanged    EventType = "order.status_changed"
)

// Event is the wire envelope. ID is the consumer-side idempotency key:
// redelivery is expected, so every handler must treat a repeated ID as
// already done.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	OrderID   uuid.UUID       `json:"order_id"`
	BuyerID   string          `json:"buyer_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// OrderPlacedPayload carries what the inventory and cart consumers need so
// they never have to read the order back.
type OrderPlacedPayload struct {
	Items  []PlacedItem `json:"items"`
	Amount int64        `json:"amount"`
}

type PlacedItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

type PaymentPayload struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason,omitempty"`
}

type StatusChangedPayload struct {
	From domain.FulfillmentStatus `json:"from"`
	To   domain.FulfillmentStatus `json:"to"`
}

// NewEvent builds an envelope with a fresh ID and marshalled payload.
func NewEvent(t EventType, orderID uuid.UUID, buyerID string, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("json.Marshal: %w", err)
		}
		raw = b
	}

	return Event{
		ID:        uuid.New(),
		Type:      t,
		OrderID:   orderID,
		BuyerID:   buyerID,
		Payload:   raw,
		EmittedAt: time.Now().UTC(),
	}, nil
}
