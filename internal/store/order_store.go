package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/currency"

	"github.com/quickcart/orderflow/internal/domain"
)

// ErrStaleOrder reports a lost compare-and-swap: the order moved between the
// caller's read and its conditional write. Callers re-read and re-decide.
var ErrStaleOrder = errors.New("order state changed concurrently")

// ErrDuplicateOperation reports that the operation key of a keyed transition
// was already claimed: the transition was applied before and must not be
// applied again.
var ErrDuplicateOperation = errors.New("operation already applied")

type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

func (s *OrderStore) InsertOrder(ctx context.Context, order domain.Order) error {
	if len(order.Items) == 0 {
		return domain.ErrEmptyOrder
	}

	_, err := withTx(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (id, buyer_id, amount, currency, payment_method,
			                    payment_status, fulfillment_status, external_payment_ref,
			                    shipping_address_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			order.ID, order.BuyerID, order.Amount.Amount, order.Amount.Currency.String(),
			string(order.PaymentMethod), string(order.PaymentStatus),
			string(order.FulfillmentStatus), order.ExternalPaymentRef,
			order.ShippingAddressID, order.CreatedAt)
		if err != nil {
			return struct{}{}, fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			var name, value string
			if item.Variant != nil {
				name, value = item.Variant.Name, item.Variant.Value
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO order_items (order_id, product_id, quantity, variant_name, variant_value)
				VALUES ($1, $2, $3, $4, $5)`,
				order.ID, item.ProductID, item.Quantity, name, value)
			if err != nil {
				return struct{}{}, fmt.Errorf("insert order item: %w", err)
			}
		}

		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("withTx: %w", err)
	}

	return nil
}

func (s *OrderStore) GetOrder(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	var o domain.Order

	row := s.pool.QueryRow(ctx, `
		SELECT id, buyer_id, amount, currency, payment_method, payment_status,
		       fulfillment_status, external_payment_ref, shipping_address_id,
		       created_at, updated_at
		FROM orders WHERE id = $1`, orderID)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, domain.ErrOrderNotFound
		}
		return o, fmt.Errorf("scanOrder: %w", err)
	}

	items, err := s.orderItems(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("orderItems: %w", err)
	}
	order.Items = items

	return order, nil
}

// ApplyTransition is the conditional update that serializes all state
// changes on one order. The WHERE clause pins both the fulfillment status
// and the external payment ref the decision was computed against; zero rows
// affected means the snapshot went stale and the caller must re-read.
//
// A non-empty operationKey is claimed in the same transaction as the state
// change, so "this key was applied" and "the order moved" commit or roll
// back together. That is what makes the transition exactly-once relative to
// the key: a redelivered webhook either loses the key claim
// (ErrDuplicateOperation) or never committed in the first place.
func (s *OrderStore) ApplyTransition(
	ctx context.Context,
	orderID uuid.UUID,
	expectedStatus domain.FulfillmentStatus,
	expectedRef string,
	newStatus domain.FulfillmentStatus,
	newPaymentStatus domain.PaymentStatus,
	newRef string,
	operationKey string,
) error {
	_, err := withTx(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		if operationKey != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO idempotency_records (operation_key, result)
				VALUES ($1, $2)
				ON CONFLICT (operation_key) DO NOTHING`,
				operationKey, string(newStatus))
			if err != nil {
				return struct{}{}, fmt.Errorf("claim operation key: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return struct{}{}, ErrDuplicateOperation
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET fulfillment_status = $4, payment_status = $5,
			    external_payment_ref = $6, updated_at = now()
			WHERE id = $1 AND fulfillment_status = $2 AND external_payment_ref = $3`,
			orderID, string(expectedStatus), expectedRef,
			string(newStatus), string(newPaymentStatus), newRef)
		if err != nil {
			return struct{}{}, fmt.Errorf("update order: %w", err)
		}

		if tag.RowsAffected() == 0 {
			// Either the order vanished or someone else won the swap.
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
				return struct{}{}, fmt.Errorf("check order exists: %w", err)
			}
			if !exists {
				return struct{}{}, domain.ErrOrderNotFound
			}
			return struct{}{}, ErrStaleOrder
		}

		return struct{}{}, nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleOrder) || errors.Is(err, ErrDuplicateOperation) ||
			errors.Is(err, domain.ErrOrderNotFound) {
			return err
		}
		return fmt.Errorf("withTx: %w", err)
	}

	return nil
}

// SetPaymentRef records the provider intent ID on an order that is awaiting
// payment. The WHERE clause only lets a pending attempt's ref be replaced;
// once a payment is recorded the ref is immutable.
func (s *OrderStore) SetPaymentRef(ctx context.Context, orderID uuid.UUID, ref string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET external_payment_ref = $2, updated_at = now()
		WHERE id = $1 AND fulfillment_status = $3 AND payment_status = $4`,
		orderID, ref, string(domain.StatusAwaitingPayment), string(domain.PaymentStatusPending))
	if err != nil {
		return fmt.Errorf("update order ref: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrStaleOrder
	}

	return nil
}

func (s *OrderStore) ListBuyerOrders(ctx context.Context, buyerID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, buyer_id, amount, currency, payment_method, payment_status,
		       fulfillment_status, external_payment_ref, shipping_address_id,
		       created_at, updated_at
		FROM orders WHERE buyer_id = $1
		ORDER BY created_at DESC`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	return s.collectOrders(ctx, rows)
}

// ListSellerOrders returns orders containing at least one of the seller's
// products.
func (s *OrderStore) ListSellerOrders(ctx context.Context, sellerID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT o.id, o.buyer_id, o.amount, o.currency, o.payment_method,
		       o.payment_status, o.fulfillment_status, o.external_payment_ref,
		       o.shipping_address_id, o.created_at, o.updated_at
		FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		JOIN products p ON p.id = oi.product_id
		WHERE p.seller_id = $1
		ORDER BY o.created_at DESC`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	return s.collectOrders(ctx, rows)
}

// ListStuckAwaitingPayment returns orders sitting in AwaitingPayment longer
// than maxAge, for the reconciliation sweep to resolve against the provider.
func (s *OrderStore) ListStuckAwaitingPayment(ctx context.Context, maxAge time.Duration, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, buyer_id, amount, currency, payment_method, payment_status,
		       fulfillment_status, external_payment_ref, shipping_address_id,
		       created_at, updated_at
		FROM orders
		WHERE fulfillment_status = $1 AND updated_at < now() - $2::interval
		ORDER BY updated_at ASC
		LIMIT $3`,
		string(domain.StatusAwaitingPayment),
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	return s.collectOrders(ctx, rows)
}

func (s *OrderStore) collectOrders(ctx context.Context, rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanOrder: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	for i := range orders {
		items, err := s.orderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, fmt.Errorf("orderItems: %w", err)
		}
		orders[i].Items = items
	}

	return orders, nil
}

func (s *OrderStore) orderItems(ctx context.Context, orderID uuid.UUID) ([]domain.LineItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product_id, quantity, variant_name, variant_value
		FROM order_items WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order_items: %w", err)
	}
	defer rows.Close()

	var items []domain.LineItem
	for rows.Next() {
		var (
			item        domain.LineItem
			name, value string
		)
		if err := rows.Scan(&item.ProductID, &item.Quantity, &name, &value); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if name != "" {
			item.Variant = &domain.Variant{Name: name, Value: value}
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                                domain.Order
		currencyCode                     string
		method, payStatus, fulfillStatus string
	)

	err := row.Scan(&o.ID, &o.BuyerID, &o.Amount.Amount, &currencyCode,
		&method, &payStatus, &fulfillStatus, &o.ExternalPaymentRef,
		&o.ShippingAddressID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}

	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		return o, fmt.Errorf("currency[%s] is not valid: %w", currencyCode, err)
	}
	o.Amount.Currency = unit

	if o.PaymentMethod, err = domain.ToPaymentMethod(method); err != nil {
		return o, fmt.Errorf("domain.ToPaymentMethod[%s]: %w", method, err)
	}
	if o.PaymentStatus, err = domain.ToPaymentStatus(payStatus); err != nil {
		return o, fmt.Errorf("domain.ToPaymentStatus[%s]: %w", payStatus, err)
	}
	if o.FulfillmentStatus, err = domain.ToFulfillmentStatus(fulfillStatus); err != nil {
		return o, fmt.Errorf("domain.ToFulfillmentStatus[%s]: %w", fulfillStatus, err)
	}

	return o, nil
}
