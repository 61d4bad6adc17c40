// Package store is the ledger: durable keyed records for orders, products,
// addresses and idempotency marks, on Postgres via pgx.
//
// The one write primitive that matters is the conditional update in
// OrderStore.ApplyTransition, a compare-and-swap on the order's current
// state. Every state transition in the system commits through it; nothing
// else writes order status fields.
//
// The pool is constructed exactly once in main and injected into each store.
// There is no package-level connection singleton and no lazy global init.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id                   UUID PRIMARY KEY,
    buyer_id             TEXT NOT NULL,
    amount               BIGINT NOT NULL,
    currency             TEXT NOT NULL,
    payment_method       TEXT NOT NULL,
    payment_status       TEXT NOT NULL,
    fulfillment_status   TEXT NOT NULL,
    external_payment_ref TEXT NOT NULL DEFAULT '',
    shipping_address_id  UUID NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS orders_buyer_idx ON orders (buyer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (fulfillment_status, created_at);

CREATE TABLE IF NOT EXISTS order_items (
    order_id      UUID NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
    product_id    UUID NOT NULL,
    quantity      INT NOT NULL CHECK (quantity > 0),
    variant_name  TEXT NOT NULL DEFAULT '',
    variant_value TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS order_items_order_idx ON order_items (order_id);
CREATE INDEX IF NOT EXISTS order_items_product_idx ON order_items (product_id);

-- The primary key IS the idempotency mechanism: a duplicate operation loses
-- the insert race atomically, there is no check-then-act window.
CREATE TABLE IF NOT EXISTS idempotency_records (
    operation_key TEXT PRIMARY KEY,
    result        TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS products (
    id          UUID PRIMARY KEY,
    seller_id   TEXT NOT NULL,
    name        TEXT NOT NULL,
    price       BIGINT NOT NULL,
    offer_price BIGINT NOT NULL,
    currency    TEXT NOT NULL,
    stock       INT NOT NULL CHECK (stock >= 0),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS products_seller_idx ON products (seller_id);

CREATE TABLE IF NOT EXISTS addresses (
    id         UUID PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    full_name  TEXT NOT NULL,
    phone      TEXT NOT NULL,
    area       TEXT NOT NULL,
    city       TEXT NOT NULL,
    state      TEXT NOT NULL,
    zip        TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS addresses_owner_idx ON addresses (owner_id);

CREATE TABLE IF NOT EXISTS notifications (
    event_id   UUID PRIMARY KEY,
    order_id   UUID NOT NULL,
    buyer_id   TEXT NOT NULL,
    kind       TEXT NOT NULL,
    body       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS notifications_buyer_idx ON notifications (buyer_id, created_at DESC);
`

// NewPool connects and applies the schema. Call once from main.
func NewPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return pool, nil
}
