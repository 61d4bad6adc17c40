package domain_test

import (
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/currency"

	"github.com/quickcart/orderflow/internal/domain"
)

func productPriced(offer int64) domain.Product {
	return domain.Product{
		ID:         uuid.MustParse(gofakeit.UUID()),
		SellerID:   gofakeit.UUID(),
		Name:       gofakeit.ProductName(),
		OfferPrice: domain.Money{Amount: offer, Currency: currency.USD},
	}
}

func TestComputeAmount(t *testing.T) {
	p1 := productPriced(1000) // 10.00
	p2 := productPriced(333)  // 3.33
	products := map[string]domain.Product{
		p1.ID.String(): p1,
		p2.ID.String(): p2,
	}

	tests := []struct {
		name    string
		items   []domain.LineItem
		want    int64
		wantErr error
	}{
		{
			name:  "single item plus 2 percent tax",
			items: []domain.LineItem{{ProductID: p1.ID, Quantity: 1}},
			want:  1020,
		},
		{
			name: "tax floors to a whole minor unit",
			// subtotal 333, tax 6.66 floors to 6
			items: []domain.LineItem{{ProductID: p2.ID, Quantity: 1}},
			want:  339,
		},
		{
			name: "quantities multiply before tax",
			// subtotal 2666, tax 53.32 floors to 53
			items: []domain.LineItem{
				{ProductID: p1.ID, Quantity: 2},
				{ProductID: p2.ID, Quantity: 2},
			},
			want: 2719,
		},
		{
			name:    "no items",
			items:   nil,
			wantErr: domain.ErrEmptyOrder,
		},
		{
			name:    "zero quantity",
			items:   []domain.LineItem{{ProductID: p1.ID, Quantity: 0}},
			wantErr: domain.ErrInvalidQuantity,
		},
		{
			name:    "negative quantity",
			items:   []domain.LineItem{{ProductID: p1.ID, Quantity: -1}},
			wantErr: domain.ErrInvalidQuantity,
		},
		{
			name:    "unknown product",
			items:   []domain.LineItem{{ProductID: uuid.MustParse(gofakeit.UUID()), Quantity: 1}},
			wantErr: domain.ErrProductNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := domain.ComputeAmount(tt.items, products)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckClientEstimate(t *testing.T) {
	tests := []struct {
		name     string
		server   int64
		client   int64
		mismatch bool
	}{
		{name: "exact match", server: 1020, client: 1020},
		{name: "one unit under is tolerated", server: 1020, client: 1019},
		{name: "one unit over is tolerated", server: 1020, client: 1021},
		{name: "two units off is rejected", server: 1020, client: 1022, mismatch: true},
		{name: "wildly off is rejected", server: 1020, client: 10500, mismatch: true},
		{name: "zero means not provided", server: 1020, client: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := domain.CheckClientEstimate(tt.server, tt.client)
			if tt.mismatch {
				require.ErrorIs(t, err, domain.ErrAmountMismatch)
				return
			}
			require.NoError(t, err)
		})
	}
}
