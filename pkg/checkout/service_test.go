package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/money"
	"github.com/example/storefront/pkg/payment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Setup ---

func setupCheckoutTest(t *testing.T) (*Service, *fakeOrderStore, *fakeBiller) {
	store := newFakeOrderStore()
	store.addProduct("prod-1", "Widget", 50.00, 5)
	store.addProduct("prod-2", "Gadget", 12.35, 2)
	bills := &fakeBiller{}
	svc := NewService(store, bills, &fakeCache{}, &fakeAuditor{}, zap.NewNop())
	return svc, store, bills
}

func validRequest() *models.CheckoutRequest {
	return &models.CheckoutRequest{
		UserID:     "user-1",
		PayerEmail: "jane@example.com",
		PayerName:  "Jane",
		ShippingAddress: models.Address{
			Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		PaymentMethod: "gateway",
		Items:         []models.CheckoutItem{{ProductID: "prod-1", Quantity: 2}},
	}
}

// --- Tests ---

func TestCheckout_Success(t *testing.T) {
	svc, store, bills := setupCheckoutTest(t)

	result, err := svc.Checkout(context.Background(), validRequest())

	require.NoError(t, err)
	require.NotNil(t, result.Order)
	assert.Equal(t, 100.00, result.Order.Total)
	assert.Equal(t, models.OrderStatusPending, result.Order.Status)
	assert.Equal(t, models.PaymentStatusPending, result.Order.PaymentStatus)
	assert.NotEmpty(t, result.Order.OrderNumber)
	assert.Equal(t, "https://gateway.example.com/bill-1", result.RedirectURL)

	require.NotNil(t, result.Order.BillID)
	assert.Equal(t, "bill-1", *result.Order.BillID)
	assert.Equal(t, 3, store.stock("prod-1"))

	require.Len(t, bills.requests, 1)
	assert.Equal(t, 100.00, bills.requests[0].Amount)
	assert.Equal(t, result.Order.ID, bills.requests[0].OrderRef)
}

func TestCheckout_Unauthenticated(t *testing.T) {
	svc, store, _ := setupCheckoutTest(t)
	req := validRequest()
	req.UserID = ""

	_, err := svc.Checkout(context.Background(), req)

	assert.ErrorIs(t, err, models.ErrUnauthenticated)
	assert.Equal(t, 5, store.stock("prod-1"))
}

func TestCheckout_EmptyItems(t *testing.T) {
	svc, _, bills := setupCheckoutTest(t)
	req := validRequest()
	req.Items = nil

	_, err := svc.Checkout(context.Background(), req)

	assert.ErrorIs(t, err, models.ErrEmptyOrder)
	assert.Empty(t, bills.requests)
}

func TestCheckout_ZeroQuantity(t *testing.T) {
	svc, _, _ := setupCheckoutTest(t)
	req := validRequest()
	req.Items = []models.CheckoutItem{{ProductID: "prod-1", Quantity: 0}}

	_, err := svc.Checkout(context.Background(), req)

	assert.ErrorIs(t, err, models.ErrInvalidQuantity)
}

func TestCheckout_InsufficientStockRollsBackEverything(t *testing.T) {
	svc, store, bills := setupCheckoutTest(t)
	req := validRequest()
	req.Items = []models.CheckoutItem{
		{ProductID: "prod-1", Quantity: 1},
		{ProductID: "prod-2", Quantity: 3},
	}

	_, err := svc.Checkout(context.Background(), req)

	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "prod-2", stockErr.ProductID)

	// No order, no decrement, no bill.
	assert.Empty(t, store.orders)
	assert.Equal(t, 5, store.stock("prod-1"))
	assert.Equal(t, 2, store.stock("prod-2"))
	assert.Empty(t, bills.requests)
}

func TestCheckout_BillFailureReleasesStock(t *testing.T) {
	svc, store, bills := setupCheckoutTest(t)
	bills.err = payment.ErrGatewayUnavailable

	_, err := svc.Checkout(context.Background(), validRequest())

	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)

	// The order committed, then the compensating release restored stock
	// and failed the payment; no bill reference was recorded.
	require.Len(t, store.orders, 1)
	for _, order := range store.orders {
		assert.Nil(t, order.BillID)
		assert.Equal(t, models.PaymentStatusFailed, order.PaymentStatus)
	}
	assert.Equal(t, 5, store.stock("prod-1"))
}

func TestCheckout_ConcurrentLastUnit(t *testing.T) {
	svc, store, _ := setupCheckoutTest(t)
	store.addProduct("prod-last", "Last One", 20.00, 1)

	req := func() *models.CheckoutRequest {
		r := validRequest()
		r.Items = []models.CheckoutItem{{ProductID: "prod-last", Quantity: 1}}
		return r
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Checkout(context.Background(), req())
		}(i)
	}
	wg.Wait()

	var stockErrs, successes int
	for _, err := range results {
		var stockErr *models.InsufficientStockError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &stockErr):
			stockErrs++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, stockErrs)
	assert.Equal(t, 0, store.stock("prod-last"))
}

// --- Fakes ---

// fakeOrderStore carries the checkout transaction's semantics in memory:
// all-or-nothing placement under one lock.
type fakeOrderStore struct {
	mu       sync.Mutex
	products map[string]*models.Product
	orders   map[string]*models.Order
	lines    map[string][]models.OrderLineItem
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		products: make(map[string]*models.Product),
		orders:   make(map[string]*models.Order),
		lines:    make(map[string][]models.OrderLineItem),
	}
}

func (f *fakeOrderStore) addProduct(id, name string, price float64, stock int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[id] = &models.Product{ID: id, Name: name, Price: price, Stock: stock, Active: true}
}

func (f *fakeOrderStore) stock(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id].Stock
}

func (f *fakeOrderStore) PlaceOrder(ctx context.Context, req *models.CheckoutRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subtotal := 0.0
	var lines []models.OrderLineItem
	for _, item := range req.Items {
		product, ok := f.products[item.ProductID]
		if !ok || !product.Active {
			return nil, models.ErrProductUnavailable
		}
		if item.Quantity > product.Stock {
			return nil, &models.InsufficientStockError{
				ProductID: product.ID, Requested: item.Quantity, Available: product.Stock,
			}
		}
		subtotal = money.Round(subtotal + money.Round(product.Price*float64(item.Quantity)))
		lines = append(lines, models.OrderLineItem{
			ProductID: product.ID, ProductName: product.Name,
			Quantity: item.Quantity, UnitPrice: product.Price,
		})
	}

	for _, item := range req.Items {
		f.products[item.ProductID].Stock -= item.Quantity
	}

	order := &models.Order{
		ID:            uuid.NewString(),
		OrderNumber:   models.NewOrderNumber(),
		UserID:        req.UserID,
		PayerEmail:    req.PayerEmail,
		PayerName:     req.PayerName,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		Subtotal:      subtotal,
		Total:         subtotal,
	}
	f.orders[order.ID] = order
	for i := range lines {
		lines[i].OrderID = order.ID
	}
	f.lines[order.ID] = lines

	copied := *order
	return &copied, nil
}

func (f *fakeOrderStore) AttachBill(ctx context.Context, orderID, billID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	order.BillID = &billID
	return nil
}

func (f *fakeOrderStore) ReleaseStock(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range f.lines[orderID] {
		f.products[line.ProductID].Stock += line.Quantity
	}
	if order, ok := f.orders[orderID]; ok && order.PaymentStatus == models.PaymentStatusPending {
		order.PaymentStatus = models.PaymentStatusFailed
	}
	return nil
}

type fakeBiller struct {
	mu       sync.Mutex
	requests []*payment.CreateBillRequest
	err      error
}

func (f *fakeBiller) CreateBill(ctx context.Context, req *payment.CreateBillRequest) (*payment.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &payment.Bill{ID: "bill-1", URL: "https://gateway.example.com/bill-1"}, nil
}

type fakeCache struct{}

func (f *fakeCache) CacheOrder(ctx context.Context, order *models.Order) error { return nil }

type fakeAuditor struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAuditor) RecordPaymentEvent(ctx context.Context, action, orderID string, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, action)
	return nil
}
