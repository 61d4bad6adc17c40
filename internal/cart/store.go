// Package cart keeps each buyer's transient selection in Redis. A cart is
// owned exclusively by its buyer: it changes only through the buyer's own
// requests and through the dispatcher's clear-on-placement consumer, so
// there is no cross-user contention to guard against.
package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quickcart/orderflow/internal/domain"
)

// cartTTL bounds abandoned carts. Any write refreshes it.
const cartTTL = 30 * 24 * time.Hour

type Store struct {
	client *redis.Client
}

func NewStore(addr string) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (s *Store) key(ownerID string) string {
	return fmt.Sprintf("orderflow:cart:%s", ownerID)
}

func (s *Store) Get(ctx context.Context, ownerID string) (domain.Cart, error) {
	cart := domain.Cart{OwnerID: ownerID}

	fields, err := s.client.HGetAll(ctx, s.key(ownerID)).Result()
	if err != nil {
		return cart, fmt.Errorf("client.HGetAll: %w", err)
	}

	for _, raw := range fields {
		var item domain.CartItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return cart, fmt.Errorf("json.Unmarshal: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}

	return cart, nil
}

// Replace overwrites the whole cart in one pipeline. Items with quantity
// zero or less are dropped rather than stored.
func (s *Store) Replace(ctx context.Context, ownerID string, items []domain.CartItem) error {
	key := s.key(ownerID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)

	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}

		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("json.Marshal: %w", err)
		}
		pipe.HSet(ctx, key, item.Key(), raw)
	}

	pipe.Expire(ctx, key, cartTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipe.Exec: %w", err)
	}

	return nil
}

// Clear empties the cart. Deleting a missing key is a no-op, so the
// dispatcher's redeliveries stay harmless.
func (s *Store) Clear(ctx context.Context, ownerID string) error {
	if err := s.client.Del(ctx, s.key(ownerID)).Err(); err != nil {
		return fmt.Errorf("client.Del: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
