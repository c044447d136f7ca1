package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// orderNumberAttempts bounds the retry loop for the improbable case of an
// order number collision on the unique index.
const orderNumberAttempts = 3

// Store is the durable record of orders, line items and the inventory
// ledger. It is the single source of truth for order and payment state.
type Store struct {
	db       *gorm.DB
	checkout config.CheckoutConfig
	logger   *zap.Logger
}

func NewStore(cfg *config.Config, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN()), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)

	if err := db.AutoMigrate(&models.Product{}, &models.Order{}, &models.OrderLineItem{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return &Store{db: db, checkout: cfg.Checkout, logger: logger}, nil
}

// PlaceOrder runs the whole checkout as one transaction: resolve active
// products under row locks, price the lines, persist the order and its
// line items, and decrement stock. Any failure rolls back everything; no
// partial orders, no partial decrements. Gateway calls happen after commit,
// never inside here.
func (s *Store) PlaceOrder(ctx context.Context, req *models.CheckoutRequest) (*models.Order, error) {
	addressJSON, err := json.Marshal(req.ShippingAddress)
	if err != nil {
		return nil, fmt.Errorf("encode shipping address: %w", err)
	}

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.ProductID)
	}

	var order *models.Order
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var products []models.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ? AND active = ?", ids, true).
			Find(&products).Error; err != nil {
			return err
		}

		lines, totals, err := priceOrder(products, req.Items, s.checkout)
		if err != nil {
			return err
		}

		now := time.Now()
		order = &models.Order{
			ID:              uuid.NewString(),
			OrderNumber:     models.NewOrderNumber(),
			UserID:          req.UserID,
			PayerEmail:      req.PayerEmail,
			PayerName:       req.PayerName,
			Status:          models.OrderStatusPending,
			PaymentStatus:   models.PaymentStatusPending,
			Subtotal:        totals.Subtotal,
			Tax:             totals.Tax,
			Shipping:        totals.Shipping,
			Total:           totals.Total,
			ShippingAddress: string(addressJSON),
			PaymentMethod:   req.PaymentMethod,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.createWithFreshNumber(tx, order); err != nil {
			return err
		}

		for i := range lines {
			lines[i].OrderID = order.ID
			lines[i].CreatedAt = now
		}
		if err := tx.Create(&lines).Error; err != nil {
			return err
		}

		// Decrement stock conditionally even though the rows are locked;
		// the guard keeps the ledger non-negative no matter what.
		for _, item := range req.Items {
			res := tx.Model(&models.Product{}).
				Where("id = ? AND stock >= ?", item.ProductID, item.Quantity).
				UpdateColumn("stock", gorm.Expr("stock - ?", item.Quantity))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return &models.InsufficientStockError{ProductID: item.ProductID, Requested: item.Quantity}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func (s *Store) createWithFreshNumber(tx *gorm.DB, order *models.Order) error {
	var err error
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		err = tx.Create(order).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		s.logger.Warn("Order number collision, retrying",
			zap.String("order_number", order.OrderNumber))
		order.OrderNumber = models.NewOrderNumber()
	}
	return fmt.Errorf("order number conflict after %d attempts: %w", orderNumberAttempts, err)
}

// ReleaseStock compensates a committed checkout whose bill creation failed:
// each line's decrement is restored and the order's payment is marked
// FAILED, in one transaction. The order row itself stays for the books.
func (s *Store) ReleaseStock(ctx context.Context, orderID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lines []models.OrderLineItem
		if err := tx.Where("order_id = ?", orderID).Find(&lines).Error; err != nil {
			return err
		}

		for _, line := range lines {
			if err := tx.Model(&models.Product{}).
				Where("id = ?", line.ProductID).
				UpdateColumn("stock", gorm.Expr("stock + ?", line.Quantity)).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.Order{}).
			Where("id = ? AND payment_status = ?", orderID, models.PaymentStatusPending).
			Updates(map[string]interface{}{
				"payment_status": models.PaymentStatusFailed,
				"updated_at":     time.Now(),
			}).Error
	})
}

// AttachBill records the gateway reference once bill creation succeeded.
func (s *Store) AttachBill(ctx context.Context, orderID, billID string) error {
	return s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"bill_id":    billID,
			"updated_at": time.Now(),
		}).Error
}

// MarkPaid applies the paid verdict as a single conditional update: the row
// flips to CONFIRMED/COMPLETED only while payment_status is still PENDING.
// The returned bool reports whether this caller's update did the flip; the
// callback and poll paths race on it and only the winner notifies.
func (s *Store) MarkPaid(ctx context.Context, orderID, transactionID string) (bool, error) {
	updates := map[string]interface{}{
		"status":         models.OrderStatusConfirmed,
		"payment_status": models.PaymentStatusCompleted,
		"updated_at":     time.Now(),
	}
	if transactionID != "" {
		updates["transaction_id"] = transactionID
	}

	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status = ?", orderID, models.PaymentStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed transitions payment to FAILED, again only from PENDING.
func (s *Store) MarkFailed(ctx context.Context, orderID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status = ?", orderID, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"payment_status": models.PaymentStatusFailed,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetOrderWithItems(ctx context.Context, orderID string) (*models.Order, []models.OrderLineItem, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	var lines []models.OrderLineItem
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&lines).Error; err != nil {
		return nil, nil, err
	}
	return order, lines, nil
}

func (s *Store) ListOrders(ctx context.Context, userID string, page, pageSize int) ([]models.Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var orders []models.Order
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}
