// Package reconciler turns payment signals into state machine transitions.
// Signals arrive from the provider's signed webhook, from the buyer's
// client-confirmed result, and from the background sweep. The webhook is
// the source of truth; the client result is only a hint that triggers a
// provider query, and the sweep settles what both of those missed.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quickcart/orderflow/internal/domain"
	"github.com/quickcart/orderflow/internal/lifecycle"
	"github.com/quickcart/orderflow/internal/payment"
)

// ErrBadPayload marks a webhook body that verified but cannot be processed;
// callers answer 400 and the provider will not retry.
var ErrBadPayload = errors.New("malformed webhook payload")

// ErrRetryLater marks a signal that references an order we cannot see yet
// (e.g. the webhook raced order creation). Callers answer 5xx so the
// provider redelivers; the signal is never dropped.
var ErrRetryLater = errors.New("order not visible yet, retry")

const (
	webhookTypeSucceeded = "payment_intent.succeeded"
	webhookTypeFailed    = "payment_intent.payment_failed"
)

// webhookEvent is the provider's signed envelope.
type webhookEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	IntentID string `json:"intent_id"`
	Metadata struct {
		OrderID string `json:"order_id"`
		BuyerID string `json:"buyer_id"`
	} `json:"metadata"`
	FailureCause string `json:"failure_cause,omitempty"`
}

type Reconciler struct {
	lifecycle *lifecycle.Service
	provider  payment.Provider
	secret    string
}

func New(svc *lifecycle.Service, provider payment.Provider, webhookSecret string) *Reconciler {
	return &Reconciler{
		lifecycle: svc,
		provider:  provider,
		secret:    webhookSecret,
	}
}

// HandleWebhook verifies and applies one webhook delivery. Verification
// fails closed: an unverified payload is never parsed further. Duplicate
// deliveries succeed with the previously reached state and no new side
// effects: the operation key (ref plus outcome) is claimed atomically with
// the transition itself.
func (r *Reconciler) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) error {
	if err := payment.VerifySignature(rawBody, signatureHeader, r.secret, time.Now()); err != nil {
		return fmt.Errorf("payment.VerifySignature: %w", err)
	}

	var ev webhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return fmt.Errorf("json.Unmarshal: %w", ErrBadPayload)
	}

	switch ev.Type {
	case webhookTypeSucceeded, webhookTypeFailed:
	default:
		// Unknown event kinds are acknowledged, not failed: the provider
		// sends more types than we subscribe to.
		slog.InfoContext(ctx, "ignoring webhook type", "type", ev.Type)
		return nil
	}

	if ev.IntentID == "" || ev.Metadata.OrderID == "" {
		return fmt.Errorf("missing intent_id or order_id: %w", ErrBadPayload)
	}

	orderID, err := uuid.Parse(ev.Metadata.OrderID)
	if err != nil {
		return fmt.Errorf("order_id %q: %w", ev.Metadata.OrderID, ErrBadPayload)
	}

	outcome := domain.TransitionEvent(domain.PaymentConfirmed{Ref: ev.IntentID})
	if ev.Type == webhookTypeFailed {
		outcome = domain.PaymentFailed{Ref: ev.IntentID, Reason: ev.FailureCause}
	}

	return r.apply(ctx, orderID, ev.IntentID, outcome)
}

// HandleClientResult processes the buyer's browser-reported outcome. The
// report is a hint: the authoritative status is read back from the provider
// before any transition happens, and the intent's metadata must point at
// the same order the buyer claims.
func (r *Reconciler) HandleClientResult(ctx context.Context, orderID uuid.UUID, buyerID, intentID string) (domain.Order, error) {
	var o domain.Order

	order, err := r.lifecycle.GetOrder(ctx, orderID, buyerID)
	if err != nil {
		return o, fmt.Errorf("lifecycle.GetOrder: %w", err)
	}

	intent, err := r.provider.GetIntent(ctx, intentID)
	if err != nil {
		return o, fmt.Errorf("provider.GetIntent: %w", err)
	}

	if intent.Metadata["order_id"] != orderID.String() {
		return o, fmt.Errorf("intent %s is not for order %s: %w", intentID, orderID, domain.ErrPaymentRefConflict)
	}

	switch intent.Status {
	case payment.IntentStatusSucceeded:
		return r.applyAndGet(ctx, orderID, intentID, domain.PaymentConfirmed{Ref: intentID})
	case payment.IntentStatusFailed:
		return r.applyAndGet(ctx, orderID, intentID, domain.PaymentFailed{Ref: intentID, Reason: intent.FailureCause})
	default:
		// Still processing: leave the order exactly where it is and let
		// the webhook or the sweep finish the job.
		return order, nil
	}
}

func (r *Reconciler) apply(ctx context.Context, orderID uuid.UUID, ref string, event domain.TransitionEvent) error {
	_, err := r.applyAndGet(ctx, orderID, ref, event)
	return err
}

func (r *Reconciler) applyAndGet(ctx context.Context, orderID uuid.UUID, ref string, event domain.TransitionEvent) (domain.Order, error) {
	operationKey := fmt.Sprintf("payment:%s:%s", ref, event.Kind())

	order, err := r.lifecycle.TransitionKeyed(ctx, orderID, event, operationKey)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			// The payment event raced order creation; provider redelivery
			// or the sweep will land it once the order is visible.
			return order, fmt.Errorf("order %s: %w", orderID, ErrRetryLater)

		case errors.Is(err, domain.ErrPaymentRefConflict):
			slog.ErrorContext(ctx, "payment ref conflict, flagged for manual review",
				"order_id", orderID, "ref", ref)
			return order, err

		default:
			return order, fmt.Errorf("lifecycle.TransitionKeyed: %w", err)
		}
	}

	return order, nil
}
