package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/text/currency"

	"github.com/quickcart/orderflow/internal/dispatch"
	"github.com/quickcart/orderflow/internal/domain"
	"github.com/quickcart/orderflow/internal/store"
)

type storeSuite struct {
	suite.Suite

	pool      *pgxpool.Pool
	container testcontainers.Container

	orders        *store.OrderStore
	products      *store.ProductStore
	guard         *store.IdempotencyStore
	addresses     *store.AddressStore
	notifications *store.NotificationStore
}

// entry point to run the tests in the suite
func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(storeSuite))
}

func (suite *storeSuite) SetupSuite() {
	ctx := suite.T().Context()

	var (
		connStr string
		err     error
	)

	suite.container, connStr, err = startPostgres(ctx)
	suite.Require().NoError(err)

	suite.pool, err = store.NewPool(ctx, connStr)
	suite.Require().NoError(err)

	suite.orders = store.NewOrderStore(suite.pool)
	suite.products = store.NewProductStore(suite.pool)
	suite.guard = store.NewIdempotencyStore(suite.pool)
	suite.addresses = store.NewAddressStore(suite.pool)
	suite.notifications = store.NewNotificationStore(suite.pool)
}

func (suite *storeSuite) TearDownSuite() {
	ctx := suite.T().Context()

	if suite.pool != nil {
		suite.pool.Close()
	}
	if suite.container != nil {
		suite.NoError(suite.container.Terminate(ctx))
	}
}

func (suite *storeSuite) deleteAll() {
	_, err := suite.pool.Exec(suite.T().Context(),
		"TRUNCATE TABLE orders, order_items, idempotency_records, products, addresses, notifications CASCADE")
	suite.NoError(err)
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("orderflow"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, "", err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, "", err
	}

	return container, connStr, nil
}

func randomOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:            uuid.MustParse(gofakeit.UUID()),
		BuyerID:       gofakeit.UUID(),
		PaymentMethod: domain.PaymentOnline,
		PaymentStatus: domain.PaymentStatusPending,
		Amount:        domain.Money{Amount: int64(gofakeit.Number(100, 100000)), Currency: currency.USD},
		Items: []domain.LineItem{
			{ProductID: uuid.MustParse(gofakeit.UUID()), Quantity: gofakeit.Number(1, 5)},
			{
				ProductID: uuid.MustParse(gofakeit.UUID()),
				Quantity:  1,
				Variant:   &domain.Variant{Name: "color", Value: gofakeit.Color()},
			},
		},
		FulfillmentStatus: domain.StatusAwaitingPayment,
		ShippingAddressID: uuid.MustParse(gofakeit.UUID()),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (suite *storeSuite) TestInsertAndGetOrder() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	order := randomOrder()
	require.NoError(t, suite.orders.InsertOrder(ctx, order))

	got, err := suite.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	suite.Equal(order.ID, got.ID)
	suite.Equal(order.BuyerID, got.BuyerID)
	suite.Equal(order.Amount.Amount, got.Amount.Amount)
	suite.Equal(order.Amount.Currency.String(), got.Amount.Currency.String())
	suite.Equal(order.FulfillmentStatus, got.FulfillmentStatus)
	suite.ElementsMatch(order.Items, got.Items)

	_, err = suite.orders.GetOrder(ctx, uuid.MustParse(gofakeit.UUID()))
	suite.ErrorIs(err, domain.ErrOrderNotFound)
}

func (suite *storeSuite) TestInsertOrderRejectsEmpty() {
	order := randomOrder()
	order.Items = nil

	err := suite.orders.InsertOrder(suite.T().Context(), order)
	suite.ErrorIs(err, domain.ErrEmptyOrder)
}

func (suite *storeSuite) TestApplyTransitionCAS() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	order := randomOrder()
	require.NoError(t, suite.orders.InsertOrder(ctx, order))

	// Swap succeeds while the expectation holds.
	err := suite.orders.ApplyTransition(ctx, order.ID,
		domain.StatusAwaitingPayment, "",
		domain.StatusPlaced, domain.PaymentStatusPaid, "pi_1", "")
	require.NoError(t, err)

	got, err := suite.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	suite.Equal(domain.StatusPlaced, got.FulfillmentStatus)
	suite.Equal(domain.PaymentStatusPaid, got.PaymentStatus)
	suite.Equal("pi_1", got.ExternalPaymentRef)

	// The same expectation is now stale.
	err = suite.orders.ApplyTransition(ctx, order.ID,
		domain.StatusAwaitingPayment, "",
		domain.StatusPlaced, domain.PaymentStatusPaid, "pi_1", "")
	suite.ErrorIs(err, store.ErrStaleOrder)

	// A mismatched ref guard is just as stale.
	err = suite.orders.ApplyTransition(ctx, order.ID,
		domain.StatusPlaced, "pi_other",
		domain.StatusCancelled, domain.PaymentStatusPaid, "pi_other", "")
	suite.ErrorIs(err, store.ErrStaleOrder)

	// Unknown order is reported as such, not as a conflict.
	err = suite.orders.ApplyTransition(ctx, uuid.MustParse(gofakeit.UUID()),
		domain.StatusAwaitingPayment, "",
		domain.StatusPlaced, domain.PaymentStatusPaid, "", "")
	suite.ErrorIs(err, domain.ErrOrderNotFound)
}

func (suite *storeSuite) TestApplyTransitionConcurrentSwaps() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	order := randomOrder()
	require.NoError(t, suite.orders.InsertOrder(ctx, order))

	// Two writers race the same expectation; the conditional update must
	// let exactly one through.
	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- suite.orders.ApplyTransition(ctx, order.ID,
				domain.StatusAwaitingPayment, "",
				domain.StatusPlaced, domain.PaymentStatusPaid, "pi_1", "")
		}()
	}
	wg.Wait()
	close(results)

	var wins, stales int
	for err := range results {
		switch {
		case err == nil:
			wins++
		default:
			suite.ErrorIs(err, store.ErrStaleOrder)
			stales++
		}
	}

	suite.Equal(1, wins)
	suite.Equal(writers-1, stales)
}

func (suite *storeSuite) TestApplyTransitionOperationKey() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	order := randomOrder()
	require.NoError(t, suite.orders.InsertOrder(ctx, order))

	key := "payment:pi_1:payment_confirmed"

	err := suite.orders.ApplyTransition(ctx, order.ID,
		domain.StatusAwaitingPayment, "",
		domain.StatusPlaced, domain.PaymentStatusPaid, "pi_1", key)
	require.NoError(t, err)

	// Same key again: the claim loses, the order does not move.
	err = suite.orders.ApplyTransition(ctx, order.ID,
		domain.StatusPlaced, "pi_1",
		domain.StatusCancelled, domain.PaymentStatusPaid, "pi_1", key)
	suite.ErrorIs(err, store.ErrDuplicateOperation)

	got, err := suite.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	suite.Equal(domain.StatusPlaced, got.FulfillmentStatus)
}

func (suite *storeSuite) TestApplyTransitionKeyNotBurnedOnLostSwap() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	order := randomOrder()
	require.NoError(t, suite.orders.InsertOrder(ctx, order))

	key := "payment:pi_9:payment_confirmed"

	// Stale expectation: the swap fails, and the key claim must roll back
	// with it so a later correct attempt can still use it.
	err := suite.orders.ApplyTransition(ctx, order.ID,
		domain.StatusPlaced, "",
		domain.StatusDelivered, domain.PaymentStatusPaid, "", key)
	suite.ErrorIs(err, store.ErrStaleOrder)

	err = suite.orders.ApplyTransition(ctx, order.ID,
		domain.StatusAwaitingPayment, "",
		domain.StatusPlaced, domain.PaymentStatusPaid, "pi_9", key)
	suite.NoError(err)
}

func (suite *storeSuite) TestSetPaymentRef() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	order := randomOrder()
	require.NoError(t, suite.orders.InsertOrder(ctx, order))

	require.NoError(t, suite.orders.SetPaymentRef(ctx, order.ID, "pi_a"))

	// A retry before any outcome may replace the pending ref.
	require.NoError(t, suite.orders.SetPaymentRef(ctx, order.ID, "pi_b"))

	err := suite.orders.ApplyTransition(ctx, order.ID,
		domain.StatusAwaitingPayment, "pi_b",
		domain.StatusPlaced, domain.PaymentStatusPaid, "pi_b", "")
	require.NoError(t, err)

	// Once paid, the ref is immutable.
	err = suite.orders.SetPaymentRef(ctx, order.ID, "pi_c")
	suite.ErrorIs(err, store.ErrStaleOrder)

	got, err := suite.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	suite.Equal("pi_b", got.ExternalPaymentRef)
}

func (suite *storeSuite) TestListOrders() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	sellerID := gofakeit.UUID()
	product := domain.Product{
		ID:         uuid.MustParse(gofakeit.UUID()),
		SellerID:   sellerID,
		Name:       gofakeit.ProductName(),
		Price:      domain.Money{Amount: 1200, Currency: currency.USD},
		OfferPrice: domain.Money{Amount: 1000, Currency: currency.USD},
		Stock:      5,
	}
	require.NoError(t, suite.products.InsertProduct(ctx, product))

	mine := randomOrder()
	mine.Items = []domain.LineItem{{ProductID: product.ID, Quantity: 1}}
	other := randomOrder()

	require.NoError(t, suite.orders.InsertOrder(ctx, mine))
	require.NoError(t, suite.orders.InsertOrder(ctx, other))

	buyerOrders, err := suite.orders.ListBuyerOrders(ctx, mine.BuyerID)
	require.NoError(t, err)
	require.Len(t, buyerOrders, 1)
	suite.Equal(mine.ID, buyerOrders[0].ID)

	sellerOrders, err := suite.orders.ListSellerOrders(ctx, sellerID)
	require.NoError(t, err)
	require.Len(t, sellerOrders, 1)
	suite.Equal(mine.ID, sellerOrders[0].ID)

	none, err := suite.orders.ListSellerOrders(ctx, gofakeit.UUID())
	require.NoError(t, err)
	suite.Empty(none)
}

func (suite *storeSuite) TestListStuckAwaitingPayment() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	stuck := randomOrder()
	stuck.CreatedAt = time.Now().UTC().Add(-time.Hour)
	stuck.UpdatedAt = stuck.CreatedAt
	require.NoError(t, suite.orders.InsertOrder(ctx, stuck))

	fresh := randomOrder()
	require.NoError(t, suite.orders.InsertOrder(ctx, fresh))

	placed := randomOrder()
	placed.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, suite.orders.InsertOrder(ctx, placed))
	require.NoError(t, suite.orders.ApplyTransition(ctx, placed.ID,
		domain.StatusAwaitingPayment, "",
		domain.StatusPlaced, domain.PaymentStatusPaid, "pi_x", ""))

	got, err := suite.orders.ListStuckAwaitingPayment(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	suite.Equal(stuck.ID, got[0].ID)
}

func (suite *storeSuite) TestIdempotencyGuard() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	key := "notify:" + gofakeit.UUID()

	done, prior, err := suite.guard.Check(ctx, key)
	require.NoError(t, err)
	suite.False(done)
	suite.Empty(prior)

	isNew, prior, err := suite.guard.CheckAndRecord(ctx, key, "evt_1")
	require.NoError(t, err)
	suite.True(isNew)
	suite.Empty(prior)

	isNew, prior, err = suite.guard.CheckAndRecord(ctx, key, "evt_2")
	require.NoError(t, err)
	suite.False(isNew)
	suite.Equal("evt_1", prior)

	done, prior, err = suite.guard.Check(ctx, key)
	require.NoError(t, err)
	suite.True(done)
	suite.Equal("evt_1", prior)
}

func (suite *storeSuite) TestIdempotencyGuardConcurrent() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	key := "cartclear:" + gofakeit.UUID()

	const callers = 8
	var wg sync.WaitGroup
	news := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, _, err := suite.guard.CheckAndRecord(ctx, key, "r")
			suite.NoError(err)
			news <- isNew
		}()
	}
	wg.Wait()
	close(news)

	var winners int
	for isNew := range news {
		if isNew {
			winners++
		}
	}
	suite.Equal(1, winners)
}

func (suite *storeSuite) TestDecrementStock() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	product := domain.Product{
		ID:         uuid.MustParse(gofakeit.UUID()),
		SellerID:   gofakeit.UUID(),
		Name:       gofakeit.ProductName(),
		Price:      domain.Money{Amount: 1500, Currency: currency.USD},
		OfferPrice: domain.Money{Amount: 1200, Currency: currency.USD},
		Stock:      5,
	}
	require.NoError(t, suite.products.InsertProduct(ctx, product))

	claim := dispatch.StockClaim{
		OperationKey: "stock:" + gofakeit.UUID(),
		EventID:      uuid.MustParse(gofakeit.UUID()),
		// Duplicate lines for the same product merge into one decrement.
		Decrements: []dispatch.StockDecrement{
			{ProductID: product.ID, Quantity: 2},
			{ProductID: product.ID, Quantity: 1},
		},
	}
	require.NoError(t, suite.products.DecrementStock(ctx, []dispatch.StockClaim{claim}))

	got, err := suite.products.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	suite.Equal(2, got.Stock)

	// The same claim key again is a redelivery: skipped, not applied twice.
	require.NoError(t, suite.products.DecrementStock(ctx, []dispatch.StockClaim{claim}))

	got, err = suite.products.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	suite.Equal(2, got.Stock)
}

func (suite *storeSuite) TestDecrementStockFailureKeepsClaimOpen() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	product := domain.Product{
		ID:         uuid.MustParse(gofakeit.UUID()),
		SellerID:   gofakeit.UUID(),
		Name:       gofakeit.ProductName(),
		Price:      domain.Money{Amount: 900, Currency: currency.USD},
		OfferPrice: domain.Money{Amount: 900, Currency: currency.USD},
		Stock:      2,
	}
	require.NoError(t, suite.products.InsertProduct(ctx, product))

	claim := dispatch.StockClaim{
		OperationKey: "stock:" + gofakeit.UUID(),
		EventID:      uuid.MustParse(gofakeit.UUID()),
		Decrements:   []dispatch.StockDecrement{{ProductID: product.ID, Quantity: 3}},
	}

	// Not enough stock: the whole transaction rolls back, including the
	// claim row, so the order stays retryable.
	err := suite.products.DecrementStock(ctx, []dispatch.StockClaim{claim})
	suite.ErrorIs(err, domain.ErrInsufficientStock)

	got, err := suite.products.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	suite.Equal(2, got.Stock)

	done, _, err := suite.guard.Check(ctx, claim.OperationKey)
	require.NoError(t, err)
	suite.False(done)

	// A later retry with the same key, after stock came back, succeeds.
	claim.Decrements[0].Quantity = 2
	require.NoError(t, suite.products.DecrementStock(ctx, []dispatch.StockClaim{claim}))

	got, err = suite.products.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	suite.Equal(0, got.Stock)
}

func (suite *storeSuite) TestInsertAndListAddresses() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	ownerID := gofakeit.UUID()

	first := domain.Address{
		ID:        uuid.MustParse(gofakeit.UUID()),
		OwnerID:   ownerID,
		FullName:  gofakeit.Name(),
		Phone:     gofakeit.Phone(),
		Area:      gofakeit.Street(),
		City:      gofakeit.City(),
		State:     gofakeit.State(),
		Zip:       gofakeit.Zip(),
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	second := domain.Address{
		ID:        uuid.MustParse(gofakeit.UUID()),
		OwnerID:   ownerID,
		FullName:  gofakeit.Name(),
		City:      gofakeit.City(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, suite.addresses.InsertAddress(ctx, first))
	require.NoError(t, suite.addresses.InsertAddress(ctx, second))

	// Someone else's address stays out of the listing.
	other := first
	other.ID = uuid.MustParse(gofakeit.UUID())
	other.OwnerID = gofakeit.UUID()
	require.NoError(t, suite.addresses.InsertAddress(ctx, other))

	got, err := suite.addresses.GetAddress(ctx, first.ID)
	require.NoError(t, err)
	suite.Equal(first.FullName, got.FullName)
	suite.Equal(first.City, got.City)

	listed, err := suite.addresses.ListAddresses(ctx, ownerID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	suite.Equal(second.ID, listed[0].ID)
	suite.Equal(first.ID, listed[1].ID)
}

func (suite *storeSuite) TestRecordAndListNotifications() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()

	buyerID := gofakeit.UUID()
	orderID := uuid.MustParse(gofakeit.UUID())

	placed := dispatch.Notification{
		EventID: uuid.MustParse(gofakeit.UUID()),
		OrderID: orderID,
		BuyerID: buyerID,
		Kind:    dispatch.EventOrderPlaced,
		Body:    "Your order has been placed.",
		At:      time.Now().UTC().Add(-time.Minute),
	}
	paid := dispatch.Notification{
		EventID: uuid.MustParse(gofakeit.UUID()),
		OrderID: orderID,
		BuyerID: buyerID,
		Kind:    dispatch.EventPaymentCompleted,
		Body:    "Payment received for your order.",
		At:      time.Now().UTC(),
	}
	require.NoError(t, suite.notifications.Record(ctx, placed))
	require.NoError(t, suite.notifications.Record(ctx, paid))

	// Recording the same event again is a no-op.
	require.NoError(t, suite.notifications.Record(ctx, placed))

	listed, err := suite.notifications.ListNotifications(ctx, buyerID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	suite.Equal(paid.EventID, listed[0].EventID)
	suite.Equal(placed.EventID, listed[1].EventID)

	limited, err := suite.notifications.ListNotifications(ctx, buyerID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	suite.Equal(paid.EventID, limited[0].EventID)
}
