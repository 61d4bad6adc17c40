package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quickcart/orderflow/internal/domain"
	"github.com/quickcart/orderflow/internal/payment"
)

// StuckLister finds orders that have sat in AwaitingPayment past maxAge.
type StuckLister interface {
	ListStuckAwaitingPayment(ctx context.Context, maxAge time.Duration, limit int) ([]domain.Order, error)
}

const (
	defaultSweepInterval = 5 * time.Minute
	defaultSweepMinAge   = 15 * time.Minute
	defaultSweepLimit    = 100
)

// Sweeper is the safety net for missed webhooks: it periodically queries
// the provider about orders stuck awaiting payment and re-applies whatever
// it learns through the same keyed transition path the webhook uses, so a
// late webhook arriving after the sweep is a clean duplicate.
type Sweeper struct {
	reconciler *Reconciler
	orders     StuckLister

	interval time.Duration
	minAge   time.Duration
	limit    int
}

// NewSweeper builds a sweeper running every interval; interval <= 0 uses
// the default.
func NewSweeper(r *Reconciler, orders StuckLister, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		reconciler: r,
		orders:     orders,
		interval:   interval,
		minAge:     defaultSweepMinAge,
		limit:      defaultSweepLimit,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reconciliation sweep started",
		"interval", s.interval, "min_age", s.minAge)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "reconciliation sweep stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce settles one batch of stuck orders. Per-order failures are
// logged and skipped so one bad order cannot starve the rest; they stay
// stuck and the next pass retries them.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	stuck, err := s.orders.ListStuckAwaitingPayment(ctx, s.minAge, s.limit)
	if err != nil {
		return fmt.Errorf("orders.ListStuckAwaitingPayment: %w", err)
	}

	for _, order := range stuck {
		if order.ExternalPaymentRef == "" {
			// No intent was ever recorded for this order, so there is
			// nothing to ask the provider about. The buyer can retry
			// payment; until then the order just ages.
			slog.WarnContext(ctx, "stuck order has no payment ref", "order_id", order.ID)
			continue
		}

		if err := s.settle(ctx, order); err != nil {
			slog.ErrorContext(ctx, "sweep could not settle order",
				"order_id", order.ID, "ref", order.ExternalPaymentRef, "error", err)
		}
	}

	return nil
}

func (s *Sweeper) settle(ctx context.Context, order domain.Order) error {
	intent, err := s.reconciler.provider.GetIntent(ctx, order.ExternalPaymentRef)
	if err != nil {
		return fmt.Errorf("provider.GetIntent: %w", err)
	}

	switch intent.Status {
	case payment.IntentStatusSucceeded:
		return s.reconciler.apply(ctx, order.ID, intent.ID, domain.PaymentConfirmed{Ref: intent.ID})
	case payment.IntentStatusFailed:
		return s.reconciler.apply(ctx, order.ID, intent.ID, domain.PaymentFailed{Ref: intent.ID, Reason: intent.FailureCause})
	default:
		// Provider still shows the intent in flight; nothing to settle.
		return nil
	}
}
