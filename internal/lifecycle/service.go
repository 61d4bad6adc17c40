package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/text/currency"

	"github.com/quickcart/orderflow/internal/dispatch"
	"github.com/quickcart/orderflow/internal/domain"
	"github.com/quickcart/orderflow/internal/payment"
	"github.com/quickcart/orderflow/internal/store"
)

// OrderStore is the ledger surface the service drives. ApplyTransition must
// behave like store.OrderStore.ApplyTransition: conditional update returning
// store.ErrStaleOrder on a lost swap and store.ErrDuplicateOperation on an
// already-claimed operation key.
type OrderStore interface {
	InsertOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (domain.Order, error)
	ApplyTransition(ctx context.Context, orderID uuid.UUID,
		expectedStatus domain.FulfillmentStatus, expectedRef string,
		newStatus domain.FulfillmentStatus, newPaymentStatus domain.PaymentStatus,
		newRef string, operationKey string) error
	SetPaymentRef(ctx context.Context, orderID uuid.UUID, ref string) error
	ListBuyerOrders(ctx context.Context, buyerID string) ([]domain.Order, error)
	ListSellerOrders(ctx context.Context, sellerID string) ([]domain.Order, error)
}

type ProductStore interface {
	GetProducts(ctx context.Context, ids []uuid.UUID) (map[string]domain.Product, error)
}

type AddressStore interface {
	GetAddress(ctx context.Context, id uuid.UUID) (domain.Address, error)
}

// casAttempts bounds the re-read/re-decide loop on a lost swap. Conflicts on
// one order are rare and resolve in one retry; the bound only guards against
// livelock bugs.
const casAttempts = 3

type Service struct {
	orders    OrderStore
	products  ProductStore
	addresses AddressStore
	provider  payment.Provider
	events    dispatch.Enqueuer
	currency  currency.Unit
}

func NewService(
	orders OrderStore,
	products ProductStore,
	addresses AddressStore,
	provider payment.Provider,
	events dispatch.Enqueuer,
	unit currency.Unit,
) *Service {
	return &Service{
		orders:    orders,
		products:  products,
		addresses: addresses,
		provider:  provider,
		events:    events,
		currency:  unit,
	}
}

type CreateOrderParams struct {
	BuyerID               string
	AddressID             uuid.UUID
	Items                 []domain.LineItem
	PaymentMethod         domain.PaymentMethod
	ClientEstimatedAmount int64
}

type NextAction string

const (
	// NextActionNone: the order is placed, nothing for the client to do.
	NextActionNone NextAction = "none"
	// NextActionConfirmPayment: the client must confirm the intent with the
	// provider SDK using ClientSecret.
	NextActionConfirmPayment NextAction = "confirm_payment"
	// NextActionRetryPayment: intent creation did not complete; the client
	// should request a fresh intent. The order stays recoverable in
	// AwaitingPayment either way.
	NextActionRetryPayment NextAction = "retry_payment"
)

type CreateOrderResult struct {
	Order        domain.Order
	NextAction   NextAction
	IntentID     string
	ClientSecret string
}

// CreateOrder validates the checkout, computes the authoritative amount and
// writes the order synchronously. The synchronous write is the source of
// truth: the event bus only carries side effects, and an order can never
// exist solely as an in-flight event.
func (s *Service) CreateOrder(ctx context.Context, params CreateOrderParams) (CreateOrderResult, error) {
	var res CreateOrderResult

	address, err := s.addresses.GetAddress(ctx, params.AddressID)
	if err != nil {
		return res, fmt.Errorf("addresses.GetAddress: %w", err)
	}
	if address.OwnerID != params.BuyerID {
		return res, fmt.Errorf("address %s: %w", params.AddressID, domain.ErrForbidden)
	}

	if _, err := domain.ToPaymentMethod(string(params.PaymentMethod)); err != nil {
		return res, err
	}

	productIDs := lo.Map(params.Items, func(item domain.LineItem, _ int) uuid.UUID {
		return item.ProductID
	})

	products, err := s.products.GetProducts(ctx, productIDs)
	if err != nil {
		return res, fmt.Errorf("products.GetProducts: %w", err)
	}

	amount, err := domain.ComputeAmount(params.Items, products)
	if err != nil {
		return res, err
	}

	if err := domain.CheckClientEstimate(amount, params.ClientEstimatedAmount); err != nil {
		return res, err
	}

	order := domain.Order{
		ID:                uuid.New(),
		BuyerID:           params.BuyerID,
		Items:             params.Items,
		Amount:            domain.Money{Amount: amount, Currency: s.currency},
		PaymentMethod:     params.PaymentMethod,
		FulfillmentStatus: domain.StatusDraft,
		ShippingAddressID: params.AddressID,
		CreatedAt:         time.Now().UTC(),
	}

	// The machine decides the initial committed state: COD lands in Placed,
	// online in AwaitingPayment.
	decision, err := Next(order, domain.PlaceOrder{})
	if err != nil {
		return res, fmt.Errorf("lifecycle.Next: %w", err)
	}
	order.FulfillmentStatus = decision.FulfillmentStatus
	order.PaymentStatus = decision.PaymentStatus
	order.UpdatedAt = order.CreatedAt

	if err := s.orders.InsertOrder(ctx, order); err != nil {
		return res, fmt.Errorf("orders.InsertOrder: %w", err)
	}

	res.Order = order

	switch order.PaymentMethod {
	case domain.PaymentCashOnDelivery:
		res.NextAction = NextActionNone
		s.emitPlaced(ctx, order)

	case domain.PaymentOnline:
		intent, err := s.createIntent(ctx, order)
		if err != nil {
			// The order is committed and recoverable; never fabricate an
			// outcome here. The client retries intent creation, the webhook
			// or the sweep settles whatever the provider actually did.
			slog.WarnContext(ctx, "intent creation failed, order awaits payment",
				"order_id", order.ID, "error", err)
			res.NextAction = NextActionRetryPayment
			return res, nil
		}
		s.recordPaymentRef(ctx, order.ID, intent.ID)
		res.Order.ExternalPaymentRef = intent.ID
		res.NextAction = NextActionConfirmPayment
		res.IntentID = intent.ID
		res.ClientSecret = intent.ClientSecret
	}

	return res, nil
}

// recordPaymentRef remembers the intent ID on the order so the sweep can
// query the provider later. Best effort: the confirmation signal carries the
// ref again and records it atomically.
func (s *Service) recordPaymentRef(ctx context.Context, orderID uuid.UUID, ref string) {
	if err := s.orders.SetPaymentRef(ctx, orderID, ref); err != nil {
		slog.WarnContext(ctx, "payment ref not recorded", "order_id", orderID, "ref", ref, "error", err)
	}
}

// StartPayment creates a fresh provider intent for an order awaiting
// payment. For an order whose previous attempt failed it first re-enters
// AwaitingPayment through the RetryPayment transition.
func (s *Service) StartPayment(ctx context.Context, orderID uuid.UUID, buyerID string) (payment.Intent, error) {
	var intent payment.Intent

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return intent, fmt.Errorf("orders.GetOrder: %w", err)
	}
	if !order.OwnedBy(buyerID) {
		return intent, domain.ErrForbidden
	}
	if order.PaymentMethod != domain.PaymentOnline {
		return intent, fmt.Errorf("order %s is not an online payment: %w", orderID, domain.ErrIllegalTransition)
	}

	if order.FulfillmentStatus == domain.StatusPaymentFailed {
		if order, err = s.Transition(ctx, orderID, domain.RetryPayment{}); err != nil {
			return intent, fmt.Errorf("retry transition: %w", err)
		}
	}

	if order.FulfillmentStatus != domain.StatusAwaitingPayment {
		return intent, fmt.Errorf("order %s in %s cannot start payment: %w",
			orderID, order.FulfillmentStatus, domain.ErrIllegalTransition)
	}

	intent, err = s.createIntent(ctx, order)
	if err != nil {
		return intent, fmt.Errorf("createIntent: %w", err)
	}
	s.recordPaymentRef(ctx, orderID, intent.ID)

	return intent, nil
}

func (s *Service) createIntent(ctx context.Context, order domain.Order) (payment.Intent, error) {
	return s.provider.CreateIntent(ctx, payment.CreateIntentParams{
		Amount:   order.Amount.Amount,
		Currency: order.Amount.Currency.String(),
		Metadata: map[string]string{
			"order_id": order.ID.String(),
			"buyer_id": order.BuyerID,
		},
	})
}

// Transition applies an unkeyed event: the machine's own rules (ref match,
// current state) are the only dedup.
func (s *Service) Transition(ctx context.Context, orderID uuid.UUID, event domain.TransitionEvent) (domain.Order, error) {
	return s.TransitionKeyed(ctx, orderID, event, "")
}

// TransitionKeyed runs the read → decide → conditional-write loop. On a
// lost swap it re-reads and re-decides against the winner's state, so of
// two concurrent conflicting calls exactly one wins and the other gets the
// rejection the new state implies.
//
// A non-empty operationKey makes the transition exactly-once: the key is
// claimed in the same store transaction as the state change, and a
// duplicate comes back as the current state with no write and no events.
func (s *Service) TransitionKeyed(ctx context.Context, orderID uuid.UUID, event domain.TransitionEvent, operationKey string) (domain.Order, error) {
	var o domain.Order

	for attempt := 0; attempt < casAttempts; attempt++ {
		order, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return o, fmt.Errorf("orders.GetOrder: %w", err)
		}

		decision, err := Next(order, event)
		if err != nil {
			return o, err
		}

		if decision.NoOp {
			return order, nil
		}

		err = s.orders.ApplyTransition(ctx, orderID,
			order.FulfillmentStatus, order.ExternalPaymentRef,
			decision.FulfillmentStatus, decision.PaymentStatus, decision.ExternalPaymentRef,
			operationKey)
		if err != nil {
			if errors.Is(err, store.ErrStaleOrder) {
				continue
			}
			if errors.Is(err, store.ErrDuplicateOperation) {
				// Applied before: report the state that application reached.
				return s.orders.GetOrder(ctx, orderID)
			}
			return o, fmt.Errorf("orders.ApplyTransition: %w", err)
		}

		previous := order.FulfillmentStatus
		order.FulfillmentStatus = decision.FulfillmentStatus
		order.PaymentStatus = decision.PaymentStatus
		order.ExternalPaymentRef = decision.ExternalPaymentRef
		order.UpdatedAt = time.Now().UTC()

		s.emitTransition(ctx, order, previous, event)
		return order, nil
	}

	return o, fmt.Errorf("order %s: transition retries exhausted: %w", orderID, store.ErrStaleOrder)
}

// SetFulfillmentStatus is the seller surface. The acting user must sell at
// least one product in the order; rejections carry the specific reason.
func (s *Service) SetFulfillmentStatus(ctx context.Context, orderID uuid.UUID, status domain.FulfillmentStatus, actingUserID string) (domain.Order, error) {
	var o domain.Order

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("orders.GetOrder: %w", err)
	}

	isSeller, err := s.sellsInto(ctx, order, actingUserID)
	if err != nil {
		return o, fmt.Errorf("sellsInto: %w", err)
	}
	if !isSeller {
		slog.WarnContext(ctx, "status update rejected: not a seller of this order",
			"order_id", orderID, "acting_user", actingUserID)
		return o, domain.ErrForbidden
	}

	return s.Transition(ctx, orderID, domain.SellerSetStatus{Status: status})
}

// CancelByBuyer cancels the buyer's own non-terminal order.
func (s *Service) CancelByBuyer(ctx context.Context, orderID uuid.UUID, buyerID string) (domain.Order, error) {
	var o domain.Order

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("orders.GetOrder: %w", err)
	}
	if !order.OwnedBy(buyerID) {
		return o, domain.ErrForbidden
	}

	return s.Transition(ctx, orderID, domain.BuyerCancelled{})
}

// GetOrder enforces visibility: the buyer who owns the order, or a seller
// with a product in it.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID, requestingUserID string) (domain.Order, error) {
	var o domain.Order

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("orders.GetOrder: %w", err)
	}

	if order.OwnedBy(requestingUserID) {
		return order, nil
	}

	isSeller, err := s.sellsInto(ctx, order, requestingUserID)
	if err != nil {
		return o, fmt.Errorf("sellsInto: %w", err)
	}
	if !isSeller {
		return o, domain.ErrForbidden
	}

	return order, nil
}

func (s *Service) ListBuyerOrders(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return s.orders.ListBuyerOrders(ctx, buyerID)
}

func (s *Service) ListSellerOrders(ctx context.Context, sellerID string) ([]domain.Order, error) {
	return s.orders.ListSellerOrders(ctx, sellerID)
}

func (s *Service) sellsInto(ctx context.Context, order domain.Order, userID string) (bool, error) {
	productIDs := lo.Map(order.Items, func(item domain.LineItem, _ int) uuid.UUID {
		return item.ProductID
	})

	products, err := s.products.GetProducts(ctx, productIDs)
	if err != nil {
		return false, fmt.Errorf("products.GetProducts: %w", err)
	}

	for _, p := range products {
		if p.SellerID == userID {
			return true, nil
		}
	}
	return false, nil
}

// emitTransition fans the committed transition out to the dispatcher.
// Enqueue failures degrade to a warning: the ledger write already happened
// and must not be rolled back or reported as failed.
func (s *Service) emitTransition(ctx context.Context, order domain.Order, previous domain.FulfillmentStatus, event domain.TransitionEvent) {
	switch ev := event.(type) {
	case domain.PaymentConfirmed:
		s.emit(ctx, dispatch.EventPaymentCompleted, order, dispatch.PaymentPayload{Ref: ev.Ref})
		s.emitPlaced(ctx, order)

	case domain.PaymentFailed:
		s.emit(ctx, dispatch.EventPaymentFailed, order, dispatch.PaymentPayload{Ref: ev.Ref, Reason: ev.Reason})

	case domain.SellerSetStatus, domain.BuyerCancelled:
		s.emit(ctx, dispatch.EventStatusChanged, order, dispatch.StatusChangedPayload{
			From: previous,
			To:   order.FulfillmentStatus,
		})
	}
}

// emitPlaced announces that the order reached Placed: the consumers clear
// the buyer's cart and decrement stock, both keyed by order ID so the
// effects land exactly once no matter how often this event is delivered.
func (s *Service) emitPlaced(ctx context.Context, order domain.Order) {
	payload := dispatch.OrderPlacedPayload{
		Amount: order.Amount.Amount,
		Items: lo.Map(order.Items, func(item domain.LineItem, _ int) dispatch.PlacedItem {
			return dispatch.PlacedItem{ProductID: item.ProductID, Quantity: item.Quantity}
		}),
	}

	s.emit(ctx, dispatch.EventOrderPlaced, order, payload)
}

func (s *Service) emit(ctx context.Context, t dispatch.EventType, order domain.Order, payload any) {
	ev, err := dispatch.NewEvent(t, order.ID, order.BuyerID, payload)
	if err != nil {
		slog.ErrorContext(ctx, "event build failed", "type", t, "order_id", order.ID, "error", err)
		return
	}

	if err := s.events.Enqueue(ctx, ev); err != nil {
		slog.WarnContext(ctx, "dispatcher unavailable, running degraded",
			"type", t, "order_id", order.ID, "error", err)
	}
}
