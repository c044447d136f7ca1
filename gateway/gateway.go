// Package gateway is the storefront's HTTP surface: checkout submission,
// the payment gateway callback, the post-redirect sync endpoint and order
// reads. Webhook payloads are normalized into one typed event here, at the
// boundary, before the reconciliation engine sees them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/storefront/pkg/checkout"
	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/payment"
	"github.com/example/storefront/pkg/reconcile"
	"github.com/example/storefront/pkg/repository"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// OrderReader is the slice of the order store the read endpoints use.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, userID string, page, pageSize int) ([]models.Order, int64, error)
}

// OrderCache serves cached order summaries and repopulates them on a miss.
type OrderCache interface {
	GetOrderCache(ctx context.Context, orderID string) (*repository.OrderSummary, error)
	CacheOrder(ctx context.Context, order *models.Order) error
}

type Gateway struct {
	config   *config.Config
	logger   *zap.Logger
	router   *gin.Engine
	checkout *checkout.Service
	engine   *reconcile.Engine
	store    OrderReader
	cache    OrderCache
}

func NewGateway(cfg *config.Config, logger *zap.Logger, checkoutSvc *checkout.Service, engine *reconcile.Engine, store OrderReader, cache OrderCache) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))

	return &Gateway{
		config:   cfg,
		logger:   logger,
		router:   router,
		checkout: checkoutSvc,
		engine:   engine,
		store:    store,
		cache:    cache,
	}
}

func (g *Gateway) SetupRoutes() {
	// Health check
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := g.router.Group("/api/v1")
	{
		// The gateway authenticates itself with a body signature, not a
		// session, so the callback sits outside the auth group.
		v1.POST("/payments/callback", g.paymentCallback)

		authed := v1.Group("")
		authed.Use(authMiddleware(g.config.Auth.JWTSecret))
		{
			authed.POST("/checkout", g.submitCheckout)
			orders := authed.Group("/orders")
			{
				orders.GET("", g.listOrders)
				orders.GET("/:id", g.getOrder)
				orders.POST("/:id/sync", g.syncOrder)
			}
		}
	}

	// Swagger
	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.config.Server.Host, g.config.Server.Port)
	g.logger.Info("Gateway starting", zap.String("address", addr))
	return g.router.Run(addr)
}

type checkoutRequest struct {
	ShippingAddress models.Address        `json:"shipping_address" binding:"required"`
	PaymentMethod   string                `json:"payment_method"`
	Items           []models.CheckoutItem `json:"items" binding:"required"`
}

func (g *Gateway) submitCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := g.checkout.Checkout(c.Request.Context(), &models.CheckoutRequest{
		UserID:          c.GetString("user_id"),
		PayerEmail:      c.GetString("email"),
		PayerName:       c.GetString("name"),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		Items:           req.Items,
	})
	if err != nil {
		g.renderCheckoutError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id":     result.Order.ID,
		"order_number": result.Order.OrderNumber,
		"redirect_url": result.RedirectURL,
	})
}

func (g *Gateway) renderCheckoutError(c *gin.Context, err error) {
	var stockErr *models.InsufficientStockError
	switch {
	case errors.Is(err, models.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrEmptyOrder), errors.Is(err, models.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "insufficient stock",
			"product_id": stockErr.ProductID,
			"available":  stockErr.Available,
		})
	case errors.Is(err, models.ErrProductUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, payment.ErrInvalidAmount):
		// A pricing defect in the request; retrying the same cart
		// cannot fix it.
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "order total cannot be billed"})
	case errors.Is(err, payment.ErrGatewayRejected),
		errors.Is(err, payment.ErrGatewayUnavailable):
		// The order was rolled back via stock release; the user retries
		// the submission, which creates a new order.
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable, please try again"})
	default:
		g.logger.Error("Checkout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout failed"})
	}
}

func (g *Gateway) paymentCallback(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !payment.VerifySignature(body, c.GetHeader("X-Signature"), g.config.Payment.CallbackSecret) {
		g.logger.Warn("Callback signature verification failed",
			zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := payment.ParseCallback(c.ContentType(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := g.engine.HandleCallback(c.Request.Context(), ev); err != nil {
		// Unknown orders are acknowledged so the gateway stops retrying;
		// everything else is retryable on its side.
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "accepted"})
			return
		}
		g.logger.Error("Callback processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (g *Gateway) syncOrder(c *gin.Context) {
	result, err := g.engine.Sync(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, models.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, models.ErrNoPaymentLinked):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment status unavailable, try again"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (g *Gateway) getOrder(c *gin.Context) {
	orderID := c.Param("id")
	userID := c.GetString("user_id")

	// Read through the cache. A hit only answers for its owner; anything
	// else falls through to the store, whose owner check is authoritative.
	if summary, err := g.cache.GetOrderCache(c.Request.Context(), orderID); err == nil && summary.UserID == userID {
		c.JSON(http.StatusOK, summary)
		return
	}

	order, err := g.store.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get order"})
		return
	}
	if order.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": models.ErrForbidden.Error()})
		return
	}

	if err := g.cache.CacheOrder(c.Request.Context(), order); err != nil {
		g.logger.Warn("Order cache write failed",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	c.JSON(http.StatusOK, repository.NewOrderSummary(order))
}

func (g *Gateway) listOrders(c *gin.Context) {
	var query struct {
		Page     int `form:"page,default=1"`
		PageSize int `form:"page_size,default=20"`
	}
	if err := c.BindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orders, total, err := g.store.ListOrders(c.Request.Context(), c.GetString("user_id"), query.Page, query.PageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders, "total": total})
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
