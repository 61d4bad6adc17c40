package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickcart/orderflow/internal/dispatch"
)

// NotificationStore records user-facing notifications produced by the
// dispatcher. ON CONFLICT DO NOTHING makes a redelivered record harmless
// even if the guard and the write race.
type NotificationStore struct {
	pool *pgxpool.Pool
}

func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

func (s *NotificationStore) Record(ctx context.Context, n dispatch.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (event_id, order_id, buyer_id, kind, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		n.EventID, n.OrderID, n.BuyerID, string(n.Kind), n.Body, n.At)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *NotificationStore) ListNotifications(ctx context.Context, buyerID string, limit int) ([]dispatch.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, order_id, buyer_id, kind, body, created_at
		FROM notifications WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, buyerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Notification
	for rows.Next() {
		var (
			n    dispatch.Notification
			kind string
		)
		if err := rows.Scan(&n.EventID, &n.OrderID, &n.BuyerID, &kind, &n.Body, &n.At); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		n.Kind = dispatch.EventType(kind)
		out = append(out, n)
	}

	return out, rows.Err()
}
