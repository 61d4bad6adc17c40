package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Guard is the idempotency surface used by the consumers. It must be backed
// by a storage-level uniqueness constraint: CheckAndRecord lets the first
// caller for a key win, Check reads a claim without making one. A claim is
// only ever recorded after its side effect is durable, so a failed effect
// stays retryable.
type Guard interface {
	Check(ctx context.Context, operationKey string) (done bool, prior string, err error)
	CheckAndRecord(ctx context.Context, operationKey, result string) (isNew bool, prior string, err error)
}

type StockDecrement struct {
	ProductID uuid.UUID
	Quantity  int
}

// StockClaim couples one order's decrements with the idempotency key that
// guards them. The adjuster claims the key and applies the decrements in the
// same transaction: either both commit or neither does, so a transient
// failure never burns the key.
type StockClaim struct {
	OperationKey string
	EventID      uuid.UUID
	Decrements   []StockDecrement
}

// StockAdjuster applies claims in bulk, skipping keys already claimed.
// Implementations must fail the whole call if any product would go negative.
type StockAdjuster interface {
	DecrementStock(ctx context.Context, claims []StockClaim) error
}

type CartClearer interface {
	Clear(ctx context.Context, ownerID string) error
}

type Notification struct {
	EventID uuid.UUID
	OrderID uuid.UUID
	BuyerID string
	Kind    EventType
	Body    string
	At      time.Time
}

type NotificationSink interface {
	Record(ctx context.Context, n Notification) error
}

// --- inventory consumer ---

type inventoryConsumer struct {
	stock StockAdjuster
}

func NewInventoryConsumer(stock StockAdjuster) Consumer {
	return &inventoryConsumer{stock: stock}
}

func (c *inventoryConsumer) Name() string { return "inventory" }

func (c *inventoryConsumer) Types() []EventType { return []EventType{EventOrderPlaced} }

// Handle decrements stock for every placed order in the batch with one bulk
// store call. Each order carries its own claim key, and the adjuster claims
// it atomically with the decrement, so a redelivered placement can never
// decrement twice and a failed call leaves every order retryable.
func (c *inventoryConsumer) Handle(ctx context.Context, batch []Event) error {
	claims := make([]StockClaim, 0, len(batch))

	for _, ev := range batch {
		var payload OrderPlacedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("json.Unmarshal: %w", err)
		}

		claim := StockClaim{
			OperationKey: "stock:" + ev.OrderID.String(),
			EventID:      ev.ID,
		}
		for _, item := range payload.Items {
			claim.Decrements = append(claim.Decrements, StockDecrement{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
			})
		}
		claims = append(claims, claim)
	}

	if len(claims) == 0 {
		return nil
	}

	if err := c.stock.DecrementStock(ctx, claims); err != nil {
		return fmt.Errorf("stock.DecrementStock: %w", err)
	}

	return nil
}

// --- cart consumer ---

type cartConsumer struct {
	guard Guard
	carts CartClearer
}

func NewCartConsumer(guard Guard, carts CartClearer) Consumer {
	return &cartConsumer{guard: guard, carts: carts}
}

func (c *cartConsumer) Name() string { return "cart" }

func (c *cartConsumer) Types() []EventType { return []EventType{EventOrderPlaced} }

// Handle clears each buyer's cart once per placed order. The claim is
// recorded only after the clear succeeds; a failed clear stays unclaimed and
// retries, and a crash between the two just repeats an idempotent delete.
func (c *cartConsumer) Handle(ctx context.Context, batch []Event) error {
	for _, ev := range batch {
		key := "cartclear:" + ev.OrderID.String()

		done, _, err := c.guard.Check(ctx, key)
		if err != nil {
			return fmt.Errorf("guard.Check: %w", err)
		}
		if done {
			continue
		}

		if err := c.carts.Clear(ctx, ev.BuyerID); err != nil {
			return fmt.Errorf("carts.Clear[%s]: %w", ev.BuyerID, err)
		}

		if _, _, err := c.guard.CheckAndRecord(ctx, key, ev.BuyerID); err != nil {
			return fmt.Errorf("guard.CheckAndRecord: %w", err)
		}
	}

	return nil
}

// --- notification consumer ---

type notifyConsumer struct {
	guard Guard
	sink  NotificationSink
}

func NewNotifyConsumer(guard Guard, sink NotificationSink) Consumer {
	return &notifyConsumer{guard: guard, sink: sink}
}

func (c *notifyConsumer) Name() string { return "notify" }

func (c *notifyConsumer) Types() []EventType {
	return []EventType{EventOrderPlaced, EventPaymentCompleted, EventPaymentFailed, EventStatusChanged}
}

// Handle records one notification per distinct lifecycle event. The sink
// itself dedupes on the event ID, so recording before claiming is safe; the
// claim exists to make redeliveries skip the write entirely.
func (c *notifyConsumer) Handle(ctx context.Context, batch []Event) error {
	for _, ev := range batch {
		key := "notify:" + ev.ID.String()

		done, _, err := c.guard.Check(ctx, key)
		if err != nil {
			return fmt.Errorf("guard.Check: %w", err)
		}
		if done {
			continue
		}

		n := Notification{
			EventID: ev.ID,
			OrderID: ev.OrderID,
			BuyerID: ev.BuyerID,
			Kind:    ev.Type,
			Body:    notificationBody(ev),
			At:      time.Now().UTC(),
		}

		if err := c.sink.Record(ctx, n); err != nil {
			return fmt.Errorf("sink.Record: %w", err)
		}

		if _, _, err := c.guard.CheckAndRecord(ctx, key, string(ev.Type)); err != nil {
			return fmt.Errorf("guard.CheckAndRecord: %w", err)
		}

		slog.InfoContext(ctx, "notification recorded",
			"order_id", ev.OrderID, "kind", ev.Type)
	}

	return nil
}

func notificationBody(ev Event) string {
	switch ev.Type {
	case EventOrderPlaced:
		return "Your order has been placed."
	case EventPaymentCompleted:
		return "Payment received for your order."
	case EventPaymentFailed:
		return "Payment for your order failed. You can retry from your orders page."
	case EventStatusChanged:
		var p StatusChangedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			return fmt.Sprintf("Your order is now %s.", p.To)
		}
	}
	return "Your order was updated."
}
