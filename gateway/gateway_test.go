package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/payment"
	"github.com/example/storefront/pkg/repository"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Setup ---

const testJWTSecret = "gateway-test-secret"

func setupGatewayTest(t *testing.T) (*Gateway, *fakeOrderReader, *fakeOrderCache) {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = testJWTSecret
	store := &fakeOrderReader{orders: make(map[string]*models.Order)}
	cache := &fakeOrderCache{summaries: make(map[string]*repository.OrderSummary)}
	g := NewGateway(cfg, zap.NewNop(), nil, nil, store, cache)
	g.SetupRoutes()
	return g, store, cache
}

func bearerToken(t *testing.T, userID string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"email":   userID + "@example.com",
		"name":    userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func doGet(g *Gateway, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func janeOrder() *models.Order {
	billID := "bill-1"
	return &models.Order{
		ID:            "order-1",
		OrderNumber:   "ORD-20260831120000-0001",
		UserID:        "user-jane",
		PayerEmail:    "jane@example.com",
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		Total:         100.00,
		BillID:        &billID,
	}
}

// --- Order GET ---

func TestGetOrder_OwnerServedFromCache(t *testing.T) {
	g, store, cache := setupGatewayTest(t)
	cache.summaries["order-1"] = repository.NewOrderSummary(janeOrder())

	w := doGet(g, "/api/v1/orders/order-1", bearerToken(t, "user-jane"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ORD-20260831120000-0001")
	assert.Equal(t, 0, store.calls)
}

func TestGetOrder_NonOwnerCannotReadCachedOrder(t *testing.T) {
	g, store, cache := setupGatewayTest(t)
	store.orders["order-1"] = janeOrder()
	cache.summaries["order-1"] = repository.NewOrderSummary(janeOrder())

	w := doGet(g, "/api/v1/orders/order-1", bearerToken(t, "user-mallory"))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "ORD-20260831120000-0001")
}

func TestGetOrder_MissRepopulatesAndMatchesHitShape(t *testing.T) {
	g, store, cache := setupGatewayTest(t)
	store.orders["order-1"] = janeOrder()

	miss := doGet(g, "/api/v1/orders/order-1", bearerToken(t, "user-jane"))
	hit := doGet(g, "/api/v1/orders/order-1", bearerToken(t, "user-jane"))

	require.Equal(t, http.StatusOK, miss.Code)
	require.Equal(t, http.StatusOK, hit.Code)
	assert.Equal(t, 1, cache.writes)
	// Cache hit and store fallback answer with the same summary schema.
	assert.JSONEq(t, miss.Body.String(), hit.Body.String())
}

func TestGetOrder_SummaryWithoutOwnerFallsThroughToStore(t *testing.T) {
	g, store, cache := setupGatewayTest(t)
	store.orders["order-1"] = janeOrder()
	stale := repository.NewOrderSummary(janeOrder())
	stale.UserID = ""
	cache.summaries["order-1"] = stale

	w := doGet(g, "/api/v1/orders/order-1", bearerToken(t, "user-jane"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, "user-jane", cache.summaries["order-1"].UserID)
}

func TestGetOrder_NotFound(t *testing.T) {
	g, _, _ := setupGatewayTest(t)

	w := doGet(g, "/api/v1/orders/order-nope", bearerToken(t, "user-jane"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrder_RequiresToken(t *testing.T) {
	g, _, _ := setupGatewayTest(t)

	w := doGet(g, "/api/v1/orders/order-1", "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- Checkout error mapping ---

func TestCheckoutError_InvalidAmountIsClientError(t *testing.T) {
	g := &Gateway{logger: zap.NewNop()}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	g.renderCheckoutError(c, fmt.Errorf("create bill: %w", payment.ErrInvalidAmount))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotContains(t, w.Body.String(), "try again")
}

func TestCheckoutError_GatewayOutageIsBadGateway(t *testing.T) {
	g := &Gateway{logger: zap.NewNop()}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	g.renderCheckoutError(c, fmt.Errorf("create bill: %w", payment.ErrGatewayUnavailable))

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// --- Fakes ---

type fakeOrderReader struct {
	orders map[string]*models.Order
	calls  int
}

func (f *fakeOrderReader) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	f.calls++
	order, ok := f.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (f *fakeOrderReader) ListOrders(ctx context.Context, userID string, page, pageSize int) ([]models.Order, int64, error) {
	var out []models.Order
	for _, order := range f.orders {
		if order.UserID == userID {
			out = append(out, *order)
		}
	}
	return out, int64(len(out)), nil
}

type fakeOrderCache struct {
	summaries map[string]*repository.OrderSummary
	writes    int
}

func (f *fakeOrderCache) GetOrderCache(ctx context.Context, orderID string) (*repository.OrderSummary, error) {
	summary, ok := f.summaries[orderID]
	if !ok {
		return nil, errors.New("cache miss")
	}
	copied := *summary
	return &copied, nil
}

func (f *fakeOrderCache) CacheOrder(ctx context.Context, order *models.Order) error {
	f.summaries[order.ID] = repository.NewOrderSummary(order)
	f.writes++
	return nil
}
