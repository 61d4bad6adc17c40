package lifecycle_test

import (
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickcart/orderflow/internal/domain"
	"github.com/quickcart/orderflow/internal/lifecycle"
)

func orderIn(status domain.FulfillmentStatus, method domain.PaymentMethod) domain.Order {
	return domain.Order{
		ID:                uuid.MustParse(gofakeit.UUID()),
		BuyerID:           gofakeit.UUID(),
		PaymentMethod:     method,
		PaymentStatus:     domain.PaymentStatusPending,
		FulfillmentStatus: status,
	}
}

func TestNextPlaceOrder(t *testing.T) {
	tests := []struct {
		name       string
		order      domain.Order
		wantStatus domain.FulfillmentStatus
		wantErr    error
	}{
		{
			name:       "draft COD order lands in placed",
			order:      orderIn(domain.StatusDraft, domain.PaymentCashOnDelivery),
			wantStatus: domain.StatusPlaced,
		},
		{
			name:       "draft online order awaits payment",
			order:      orderIn(domain.StatusDraft, domain.PaymentOnline),
			wantStatus: domain.StatusAwaitingPayment,
		},
		{
			name:    "placing twice is rejected",
			order:   orderIn(domain.StatusPlaced, domain.PaymentCashOnDelivery),
			wantErr: domain.ErrIllegalTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := lifecycle.Next(tt.order, domain.PlaceOrder{})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, decision.FulfillmentStatus)
			assert.Equal(t, domain.PaymentStatusPending, decision.PaymentStatus)
		})
	}
}

func TestNextPaymentConfirmed(t *testing.T) {
	awaiting := orderIn(domain.StatusAwaitingPayment, domain.PaymentOnline)

	paid := awaiting
	paid.FulfillmentStatus = domain.StatusPlaced
	paid.PaymentStatus = domain.PaymentStatusPaid
	paid.ExternalPaymentRef = "pi_123"

	pendingWithRef := awaiting
	pendingWithRef.ExternalPaymentRef = "pi_123"

	tests := []struct {
		name    string
		order   domain.Order
		ref     string
		wantErr error
		noOp    bool
	}{
		{
			name:  "awaiting order confirms and places",
			order: awaiting,
			ref:   "pi_123",
		},
		{
			name:  "pending intent ref matches and confirms",
			order: pendingWithRef,
			ref:   "pi_123",
		},
		{
			name:  "redelivery of the confirming signal is a no-op",
			order: paid,
			ref:   "pi_123",
			noOp:  true,
		},
		{
			name:    "different ref on a confirmed order is a conflict",
			order:   paid,
			ref:     "pi_other",
			wantErr: domain.ErrPaymentRefConflict,
		},
		{
			name:    "different ref on a pending intent is a conflict",
			order:   pendingWithRef,
			ref:     "pi_other",
			wantErr: domain.ErrPaymentRefConflict,
		},
		{
			name:    "empty ref is rejected",
			order:   awaiting,
			ref:     "",
			wantErr: domain.ErrIllegalTransition,
		},
		{
			name:    "confirming a cancelled order is rejected",
			order:   orderIn(domain.StatusCancelled, domain.PaymentOnline),
			ref:     "pi_123",
			wantErr: domain.ErrIllegalTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := lifecycle.Next(tt.order, domain.PaymentConfirmed{Ref: tt.ref})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			if tt.noOp {
				assert.True(t, decision.NoOp)
				return
			}

			assert.Equal(t, domain.StatusPlaced, decision.FulfillmentStatus)
			assert.Equal(t, domain.PaymentStatusPaid, decision.PaymentStatus)
			assert.Equal(t, tt.ref, decision.ExternalPaymentRef)
		})
	}
}

func TestNextPaymentFailed(t *testing.T) {
	awaiting := orderIn(domain.StatusAwaitingPayment, domain.PaymentOnline)

	failed := awaiting
	failed.FulfillmentStatus = domain.StatusPaymentFailed
	failed.PaymentStatus = domain.PaymentStatusFailed
	failed.ExternalPaymentRef = "pi_123"

	t.Run("awaiting order records the failure", func(t *testing.T) {
		decision, err := lifecycle.Next(awaiting, domain.PaymentFailed{Ref: "pi_123", Reason: "card_declined"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPaymentFailed, decision.FulfillmentStatus)
		assert.Equal(t, domain.PaymentStatusFailed, decision.PaymentStatus)
	})

	t.Run("redelivered failure is a no-op", func(t *testing.T) {
		decision, err := lifecycle.Next(failed, domain.PaymentFailed{Ref: "pi_123"})
		require.NoError(t, err)
		assert.True(t, decision.NoOp)
	})

	t.Run("failure for another ref is a conflict", func(t *testing.T) {
		_, err := lifecycle.Next(failed, domain.PaymentFailed{Ref: "pi_other"})
		require.ErrorIs(t, err, domain.ErrPaymentRefConflict)
	})

	t.Run("failure after delivery is rejected", func(t *testing.T) {
		_, err := lifecycle.Next(orderIn(domain.StatusDelivered, domain.PaymentOnline), domain.PaymentFailed{Ref: "pi_123"})
		require.ErrorIs(t, err, domain.ErrIllegalTransition)
	})
}

func TestNextSellerSetStatus(t *testing.T) {
	tests := []struct {
		name        string
		from        domain.FulfillmentStatus
		to          domain.FulfillmentStatus
		method      domain.PaymentMethod
		wantPayment domain.PaymentStatus
		wantErr     error
	}{
		{
			name:        "placed to processing",
			from:        domain.StatusPlaced,
			to:          domain.StatusProcessing,
			method:      domain.PaymentOnline,
			wantPayment: domain.PaymentStatusPending,
		},
		{
			name:        "placed straight to delivered skips steps",
			from:        domain.StatusPlaced,
			to:          domain.StatusDelivered,
			method:      domain.PaymentOnline,
			wantPayment: domain.PaymentStatusPending,
		},
		{
			name:        "COD delivery marks the order paid",
			from:        domain.StatusShipped,
			to:          domain.StatusDelivered,
			method:      domain.PaymentCashOnDelivery,
			wantPayment: domain.PaymentStatusPaid,
		},
		{
			name:    "backwards move is rejected",
			from:    domain.StatusShipped,
			to:      domain.StatusProcessing,
			method:  domain.PaymentOnline,
			wantErr: domain.ErrIllegalTransition,
		},
		{
			name:    "same status is rejected",
			from:    domain.StatusProcessing,
			to:      domain.StatusProcessing,
			method:  domain.PaymentOnline,
			wantErr: domain.ErrIllegalTransition,
		},
		{
			name:    "awaiting payment is not seller territory",
			from:    domain.StatusAwaitingPayment,
			to:      domain.StatusProcessing,
			method:  domain.PaymentOnline,
			wantErr: domain.ErrIllegalTransition,
		},
		{
			name:    "draft is not a seller-settable target",
			from:    domain.StatusPlaced,
			to:      domain.StatusDraft,
			method:  domain.PaymentOnline,
			wantErr: domain.ErrIllegalTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := orderIn(tt.from, tt.method)

			decision, err := lifecycle.Next(order, domain.SellerSetStatus{Status: tt.to})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, decision.FulfillmentStatus)
			assert.Equal(t, tt.wantPayment, decision.PaymentStatus)
		})
	}
}

func TestNextCancel(t *testing.T) {
	t.Run("non-terminal order cancels", func(t *testing.T) {
		for _, from := range []domain.FulfillmentStatus{
			domain.StatusAwaitingPayment,
			domain.StatusPlaced,
			domain.StatusProcessing,
			domain.StatusShipped,
			domain.StatusPaymentFailed,
		} {
			decision, err := lifecycle.Next(orderIn(from, domain.PaymentOnline), domain.BuyerCancelled{})
			require.NoError(t, err, "from %s", from)
			assert.Equal(t, domain.StatusCancelled, decision.FulfillmentStatus)
		}
	})

	t.Run("terminal order does not cancel", func(t *testing.T) {
		for _, from := range []domain.FulfillmentStatus{
			domain.StatusDelivered,
			domain.StatusCancelled,
		} {
			_, err := lifecycle.Next(orderIn(from, domain.PaymentOnline), domain.BuyerCancelled{})
			require.ErrorIs(t, err, domain.ErrIllegalTransition, "from %s", from)
		}
	})

	t.Run("seller cancel routes through the same rule", func(t *testing.T) {
		_, err := lifecycle.Next(orderIn(domain.StatusDelivered, domain.PaymentOnline),
			domain.SellerSetStatus{Status: domain.StatusCancelled})
		require.ErrorIs(t, err, domain.ErrIllegalTransition)
	})
}

func TestNextRetryPayment(t *testing.T) {
	t.Run("failed order re-enters awaiting payment with a clean ref", func(t *testing.T) {
		order := orderIn(domain.StatusPaymentFailed, domain.PaymentOnline)
		order.ExternalPaymentRef = "pi_dead"

		decision, err := lifecycle.Next(order, domain.RetryPayment{})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAwaitingPayment, decision.FulfillmentStatus)
		assert.Equal(t, domain.PaymentStatusPending, decision.PaymentStatus)
		assert.Empty(t, decision.ExternalPaymentRef)
	})

	t.Run("retry from any other state is rejected", func(t *testing.T) {
		_, err := lifecycle.Next(orderIn(domain.StatusAwaitingPayment, domain.PaymentOnline), domain.RetryPayment{})
		require.ErrorIs(t, err, domain.ErrIllegalTransition)
	})
}
