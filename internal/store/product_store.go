package store

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"golang.org/x/text/currency"

	"github.com/quickcart/orderflow/internal/dispatch"
	"github.com/quickcart/orderflow/internal/domain"
)

type ProductStore struct {
	pool *pgxpool.Pool
}

func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

func (s *ProductStore) InsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, seller_id, name, price, offer_price, currency, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		p.ID, p.SellerID, p.Name, p.Price.Amount, p.OfferPrice.Amount,
		p.OfferPrice.Currency.String(), p.Stock, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// GetProducts loads the given products keyed by ID string. A missing ID is
// not an error here; callers notice the absence against their line items.
func (s *ProductStore) GetProducts(ctx context.Context, ids []uuid.UUID) (map[string]domain.Product, error) {
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, seller_id, name, price, offer_price, currency, stock, created_at, updated_at
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scanProduct: %w", err)
		}
		products[p.ID.String()] = p
	}

	return products, rows.Err()
}

func (s *ProductStore) GetProduct(ctx context.Context, id uuid.UUID) (domain.Product, error) {
	products, err := s.GetProducts(ctx, []uuid.UUID{id})
	if err != nil {
		return domain.Product{}, fmt.Errorf("GetProducts: %w", err)
	}

	p, ok := products[id.String()]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

// DecrementStock claims each order's idempotency key and applies its
// decrements in one transaction: a key already claimed skips its decrements,
// and any failure rolls back claims and decrements together so a retried
// delivery re-runs the whole batch. Duplicate product IDs across the
// unclaimed orders are merged so each product is decremented once. Any
// product that would go negative fails the whole batch; the conditional
// update keeps the check and the write atomic.
func (s *ProductStore) DecrementStock(ctx context.Context, claims []dispatch.StockClaim) error {
	if len(claims) == 0 {
		return nil
	}

	_, err := withTx(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		merged := make(map[uuid.UUID]int)

		for _, claim := range claims {
			tag, err := tx.Exec(ctx, `
				INSERT INTO idempotency_records (operation_key, result)
				VALUES ($1, $2)
				ON CONFLICT (operation_key) DO NOTHING`,
				claim.OperationKey, claim.EventID.String())
			if err != nil {
				return struct{}{}, fmt.Errorf("claim %s: %w", claim.OperationKey, err)
			}
			if tag.RowsAffected() == 0 {
				// Already applied by an earlier delivery.
				continue
			}

			for _, d := range claim.Decrements {
				merged[d.ProductID] += d.Quantity
			}
		}

		// Stable iteration wards off lock-order deadlocks between
		// concurrent batches.
		ids := sortUUIDs(lo.Keys(merged))

		for _, id := range ids {
			qty := merged[id]

			tag, err := tx.Exec(ctx, `
				UPDATE products SET stock = stock - $2, updated_at = now()
				WHERE id = $1 AND stock >= $2`, id, qty)
			if err != nil {
				return struct{}{}, fmt.Errorf("decrement product %s: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return struct{}{}, fmt.Errorf("product %s by %d: %w", id, qty, domain.ErrInsufficientStock)
			}
		}

		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("withTx: %w", err)
	}

	return nil
}

func sortUUIDs(ids []uuid.UUID) []uuid.UUID {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)

	slices.SortFunc(sorted, func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	})
	return sorted
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var (
		p            domain.Product
		currencyCode string
	)

	err := row.Scan(&p.ID, &p.SellerID, &p.Name, &p.Price.Amount,
		&p.OfferPrice.Amount, &currencyCode, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}

	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		return p, fmt.Errorf("currency[%s] is not valid: %w", currencyCode, err)
	}
	p.Price.Currency = unit
	p.OfferPrice.Currency = unit

	return p, nil
}
