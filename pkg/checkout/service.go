// Package checkout converts a cart submission into a durably recorded order
// with a payment bill attached. Stock is reserved inside the order store's
// transaction; the gateway round-trip happens only after that commit.
package checkout

import (
	"context"
	"fmt"

	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/payment"
	"go.uber.org/zap"
)

// OrderStore is the slice of the order store checkout needs.
type OrderStore interface {
	PlaceOrder(ctx context.Context, req *models.CheckoutRequest) (*models.Order, error)
	AttachBill(ctx context.Context, orderID, billID string) error
	ReleaseStock(ctx context.Context, orderID string) error
}

// Biller creates payment bills with the external gateway.
type Biller interface {
	CreateBill(ctx context.Context, req *payment.CreateBillRequest) (*payment.Bill, error)
}

// OrderCache holds the read-side order summary.
type OrderCache interface {
	CacheOrder(ctx context.Context, order *models.Order) error
}

// Auditor appends to the payment audit trail.
type Auditor interface {
	RecordPaymentEvent(ctx context.Context, action, orderID string, data map[string]interface{}) error
}

type Service struct {
	store  OrderStore
	bills  Biller
	cache  OrderCache
	audit  Auditor
	logger *zap.Logger
}

func NewService(store OrderStore, bills Biller, cache OrderCache, audit Auditor, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		bills:  bills,
		cache:  cache,
		audit:  audit,
		logger: logger,
	}
}

// Result is what the storefront UI needs to hand the payer over to the
// gateway.
type Result struct {
	Order       *models.Order
	RedirectURL string
}

// Checkout validates the submission, places the order atomically and raises
// a bill for it. A bill-creation failure releases the reserved stock and
// fails the checkout; the user retries with a fresh submission, which
// creates a new order.
func (s *Service) Checkout(ctx context.Context, req *models.CheckoutRequest) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	order, err := s.store.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Float64("total", order.Total))

	bill, err := s.bills.CreateBill(ctx, &payment.CreateBillRequest{
		Amount:      order.Total,
		PayerEmail:  req.PayerEmail,
		PayerName:   req.PayerName,
		Description: fmt.Sprintf("Order %s", order.OrderNumber),
		OrderRef:    order.ID,
	})
	if err != nil {
		s.logger.Error("Bill creation failed, releasing stock",
			zap.String("order_id", order.ID), zap.Error(err))
		if rerr := s.store.ReleaseStock(ctx, order.ID); rerr != nil {
			// Stock stays reserved on an order that can never be paid;
			// this needs operator attention.
			s.logger.Error("Stock release failed",
				zap.String("order_id", order.ID), zap.Error(rerr))
		}
		go s.audit.RecordPaymentEvent(context.Background(), "bill_creation_failed", order.ID,
			map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("create bill for order %s: %w", order.ID, err)
	}

	if err := s.store.AttachBill(ctx, order.ID, bill.ID); err != nil {
		return nil, fmt.Errorf("attach bill to order %s: %w", order.ID, err)
	}
	order.BillID = &bill.ID

	if err := s.cache.CacheOrder(ctx, order); err != nil {
		s.logger.Warn("Order cache write failed",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	go s.audit.RecordPaymentEvent(context.Background(), "order_created", order.ID,
		map[string]interface{}{
			"user_id": order.UserID,
			"total":   order.Total,
			"bill_id": bill.ID,
		})

	return &Result{Order: order, RedirectURL: bill.URL}, nil
}

func validate(req *models.CheckoutRequest) error {
	if req.UserID == "" {
		return models.ErrUnauthenticated
	}
	if len(req.Items) == 0 {
		return models.ErrEmptyOrder
	}
	for _, item := range req.Items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: product %s", models.ErrInvalidQuantity, item.ProductID)
		}
	}
	return nil
}
