package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/quickcart/orderflow/internal/cart"
	"github.com/quickcart/orderflow/internal/dispatch"
	"github.com/quickcart/orderflow/internal/domain"
	"github.com/quickcart/orderflow/internal/lifecycle"
	"github.com/quickcart/orderflow/internal/payment"
	"github.com/quickcart/orderflow/internal/reconciler"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "Payment-Signature"

const maxWebhookBody = 1 << 20 // 1 MiB

// Pinger is a dependency the health endpoint can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AddressBook is the shipping-address surface the handler serves.
type AddressBook interface {
	InsertAddress(ctx context.Context, a domain.Address) error
	ListAddresses(ctx context.Context, ownerID string) ([]domain.Address, error)
}

// NotificationLister reads back the notifications the dispatcher recorded
// for a buyer.
type NotificationLister interface {
	ListNotifications(ctx context.Context, buyerID string, limit int) ([]dispatch.Notification, error)
}

// notificationPageSize bounds GET /notifications.
const notificationPageSize = 50

// Handler exposes the order lifecycle, payment reconciliation, cart,
// addresses and notifications over HTTP. It holds no state of its own.
type Handler struct {
	lifecycle     *lifecycle.Service
	reconciler    *reconciler.Reconciler
	carts         *cart.Store
	addresses     AddressBook
	notifications NotificationLister
	checks        map[string]Pinger
}

// NewHandler wires the handler. checks maps a dependency name to its probe
// for the health endpoint; nil is allowed.
func NewHandler(
	svc *lifecycle.Service,
	rec *reconciler.Reconciler,
	carts *cart.Store,
	addresses AddressBook,
	notifications NotificationLister,
	checks map[string]Pinger,
) *Handler {
	return &Handler{
		lifecycle:     svc,
		reconciler:    rec,
		carts:         carts,
		addresses:     addresses,
		notifications: notifications,
		checks:        checks,
	}
}

// CreateOrder validates the checkout request and places the order
// synchronously. The response tells the client what to do next: nothing
// (COD), confirm the payment intent, or retry intent creation.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	addressID, err := uuid.Parse(req.AddressID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address_id", err.Error())
		return
	}

	items, err := toLineItems(req.Items)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_item", err.Error())
		return
	}

	res, err := h.lifecycle.CreateOrder(r.Context(), lifecycle.CreateOrderParams{
		BuyerID:               userID(r.Context()),
		AddressID:             addressID,
		Items:                 items,
		PaymentMethod:         domain.PaymentMethod(req.PaymentMethod),
		ClientEstimatedAmount: req.EstimatedAmount,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateOrderResponse{
		Order:        mapOrder(res.Order),
		NextAction:   string(res.NextAction),
		IntentID:     res.IntentID,
		ClientSecret: res.ClientSecret,
	})
}

// ListOrders returns the caller's orders. The default is the buyer view;
// ?view=seller lists orders containing the caller's products instead.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var (
		orders []domain.Order
		err    error
	)

	switch view := r.URL.Query().Get("view"); view {
	case "", "buyer":
		orders, err = h.lifecycle.ListBuyerOrders(r.Context(), userID(r.Context()))
	case "seller":
		orders, err = h.lifecycle.ListSellerOrders(r.Context(), userID(r.Context()))
	default:
		writeError(w, http.StatusBadRequest, "invalid_view", "view must be buyer or seller")
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(orders, func(o domain.Order, _ int) OrderResponse {
		return mapOrder(o)
	}))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.lifecycle.GetOrder(r.Context(), orderID, userID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mapOrder(order))
}

// SetStatus is the seller's fulfillment update.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	status, err := domain.ToFulfillmentStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}

	order, err := h.lifecycle.SetFulfillmentStatus(r.Context(), orderID, status, userID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mapOrder(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.lifecycle.CancelByBuyer(r.Context(), orderID, userID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mapOrder(order))
}

// Payment is the buyer-side payment surface for one order. With an
// intent_id in the body it reports the outcome the client observed, which
// is verified against the provider before anything changes. Without one it
// asks for a fresh intent, re-entering AwaitingPayment after a failure.
func (h *Handler) Payment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.IntentID == "" {
		intent, err := h.lifecycle.StartPayment(r.Context(), orderID, userID(r.Context()))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, PaymentResponse{
			NextAction:   string(lifecycle.NextActionConfirmPayment),
			IntentID:     intent.ID,
			ClientSecret: intent.ClientSecret,
		})
		return
	}

	order, err := h.reconciler.HandleClientResult(r.Context(), orderID, userID(r.Context()), req.IntentID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := PaymentResponse{NextAction: string(lifecycle.NextActionNone)}
	mapped := mapOrder(order)
	resp.Order = &mapped
	if order.FulfillmentStatus == domain.StatusPaymentFailed {
		resp.NextAction = string(lifecycle.NextActionRetryPayment)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Webhook receives the provider's signed deliveries. The status code is the
// contract with the provider: 2xx acknowledges, 4xx drops the delivery, 5xx
// asks for redelivery.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", err.Error())
		return
	}

	err = h.reconciler.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})

	case errors.Is(err, payment.ErrBadSignature), errors.Is(err, payment.ErrStaleTimestamp):
		writeError(w, http.StatusBadRequest, "bad_signature", "")

	case errors.Is(err, reconciler.ErrBadPayload):
		writeError(w, http.StatusBadRequest, "bad_payload", "")

	case errors.Is(err, reconciler.ErrRetryLater):
		writeError(w, http.StatusServiceUnavailable, "retry_later", "")

	case errors.Is(err, domain.ErrPaymentRefConflict),
		errors.Is(err, domain.ErrIllegalTransition):
		// The outcome can never apply to the state the order reached, a
		// confirmation after the buyer cancelled for instance. Redelivery
		// cannot change that, so acknowledge to stop it and leave the
		// conflict to manual review.
		slog.ErrorContext(r.Context(), "webhook outcome not applicable, flagged for manual review",
			"error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})

	default:
		slog.ErrorContext(r.Context(), "webhook processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
	}
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.Get(r.Context(), userID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mapCart(c))
}

// ReplaceCart overwrites the caller's cart with the submitted items. Lines
// with non-positive quantities are dropped, matching a client that sends
// the whole cart including zeroed rows.
func (h *Handler) ReplaceCart(w http.ResponseWriter, r *http.Request) {
	var req ReplaceCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	items := make([]domain.CartItem, 0, len(req.Items))
	for _, it := range req.Items {
		productID, err := uuid.Parse(it.ProductID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_product_id", err.Error())
			return
		}
		items = append(items, domain.CartItem{
			ProductID: productID,
			Quantity:  it.Quantity,
			Variant:   toVariant(it.Variant),
		})
	}

	if err := h.carts.Replace(r.Context(), userID(r.Context()), items); err != nil {
		writeDomainError(w, r, err)
		return
	}

	c, err := h.carts.Get(r.Context(), userID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mapCart(c))
}

// CreateAddress stores a shipping address owned by the caller. The returned
// ID is what checkout requests reference.
func (h *Handler) CreateAddress(w http.ResponseWriter, r *http.Request) {
	var req CreateAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.FullName == "" || req.City == "" {
		writeError(w, http.StatusBadRequest, "invalid_address", "full_name and city are required")
		return
	}

	address := domain.Address{
		ID:        uuid.New(),
		OwnerID:   userID(r.Context()),
		FullName:  req.FullName,
		Phone:     req.Phone,
		Area:      req.Area,
		City:      req.City,
		State:     req.State,
		Zip:       req.Zip,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.addresses.InsertAddress(r.Context(), address); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, mapAddress(address))
}

func (h *Handler) ListAddresses(w http.ResponseWriter, r *http.Request) {
	addresses, err := h.addresses.ListAddresses(r.Context(), userID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(addresses, func(a domain.Address, _ int) AddressDTO {
		return mapAddress(a)
	}))
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := h.notifications.ListNotifications(r.Context(), userID(r.Context()), notificationPageSize)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(notifications, func(n dispatch.Notification, _ int) NotificationDTO {
		return NotificationDTO{
			OrderID:   n.OrderID.String(),
			Kind:      string(n.Kind),
			Body:      n.Body,
			CreatedAt: n.At,
		}
	}))
}

// Health probes every registered dependency. Any failed probe makes the
// whole endpoint report 503 so load balancers stop routing here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(w, status, resp)
}

func pathOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_order_id", err.Error())
		return uuid.Nil, false
	}
	return orderID, true
}

func toLineItems(items []LineItemDTO) ([]domain.LineItem, error) {
	out := make([]domain.LineItem, 0, len(items))
	for _, it := range items {
		productID, err := uuid.Parse(it.ProductID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.LineItem{
			ProductID: productID,
			Quantity:  it.Quantity,
			Variant:   toVariant(it.Variant),
		})
	}
	return out, nil
}

func toVariant(v *VariantDTO) *domain.Variant {
	if v == nil {
		return nil
	}
	return &domain.Variant{Name: v.Name, Value: v.Value}
}

func mapVariant(v *domain.Variant) *VariantDTO {
	if v == nil {
		return nil
	}
	return &VariantDTO{Name: v.Name, Value: v.Value}
}

func mapAddress(a domain.Address) AddressDTO {
	return AddressDTO{
		ID:        a.ID.String(),
		FullName:  a.FullName,
		Phone:     a.Phone,
		Area:      a.Area,
		City:      a.City,
		State:     a.State,
		Zip:       a.Zip,
		CreatedAt: a.CreatedAt,
	}
}

func mapOrder(o domain.Order) OrderResponse {
	return OrderResponse{
		ID:      o.ID.String(),
		BuyerID: o.BuyerID,
		Items: lo.Map(o.Items, func(it domain.LineItem, _ int) LineItemDTO {
			return LineItemDTO{
				ProductID: it.ProductID.String(),
				Quantity:  it.Quantity,
				Variant:   mapVariant(it.Variant),
			}
		}),
		Amount:             o.Amount.Amount,
		Currency:           o.Amount.Currency.String(),
		PaymentMethod:      string(o.PaymentMethod),
		PaymentStatus:      string(o.PaymentStatus),
		FulfillmentStatus:  string(o.FulfillmentStatus),
		ExternalPaymentRef: o.ExternalPaymentRef,
		ShippingAddressID:  o.ShippingAddressID.String(),
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

func mapCart(c domain.Cart) CartResponse {
	return CartResponse{
		Items: lo.Map(c.Items, func(it domain.CartItem, _ int) CartItemDTO {
			return CartItemDTO{
				ProductID: it.ProductID.String(),
				Quantity:  it.Quantity,
				Variant:   mapVariant(it.Variant),
			}
		}),
	}
}

// writeDomainError translates domain sentinels into HTTP statuses. Unknown
// errors are logged and hidden behind a generic 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrAddressNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "")

	case errors.Is(err, domain.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal_transition", err.Error())

	case errors.Is(err, domain.ErrPaymentRefConflict):
		writeError(w, http.StatusConflict, "payment_ref_conflict", err.Error())

	case errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrEmptyOrder),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidPaymentMethod):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, domain.ErrInsufficientStock):
		writeError(w, http.StatusConflict, "insufficient_stock", err.Error())

	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
