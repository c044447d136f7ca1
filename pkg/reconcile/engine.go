// Package reconcile converges the two independent payment confirmation
// signals, the gateway's server-pushed callback and the payer's post-redirect
// poll, onto a single idempotent paid transition. The transition itself is a
// conditional update in the order store; whichever caller actually flips the
// row from PENDING is the only one that notifies the customer.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/notify"
	"github.com/example/storefront/pkg/payment"
	"go.uber.org/zap"
)

// Store is the slice of the order store reconciliation needs. MarkPaid and
// MarkFailed are atomic conditional updates returning whether this call
// changed the row.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderWithItems(ctx context.Context, orderID string) (*models.Order, []models.OrderLineItem, error)
	MarkPaid(ctx context.Context, orderID, transactionID string) (bool, error)
	MarkFailed(ctx context.Context, orderID string) (bool, error)
}

// BillReader fetches the current state of a bill from the gateway.
type BillReader interface {
	GetBillStatus(ctx context.Context, billID string) (*payment.BillStatus, error)
}

// OrderCache invalidates the read-side summary after a verdict.
type OrderCache interface {
	InvalidateOrder(ctx context.Context, orderID string) error
}

// Auditor appends to the payment audit trail.
type Auditor interface {
	RecordPaymentEvent(ctx context.Context, action, orderID string, data map[string]interface{}) error
}

type Engine struct {
	store    Store
	bills    BillReader
	notifier notify.Dispatcher
	cache    OrderCache
	audit    Auditor
	logger   *zap.Logger
}

func NewEngine(store Store, bills BillReader, notifier notify.Dispatcher, cache OrderCache, audit Auditor, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		bills:    bills,
		notifier: notifier,
		cache:    cache,
		audit:    audit,
		logger:   logger,
	}
}

// SyncResult is the poll path's answer to the storefront UI.
type SyncResult struct {
	Paid             bool `json:"paid"`
	AlreadySynced    bool `json:"already_synced"`
	NotificationSent bool `json:"notification_sent"`
}

// HandleCallback applies a verified gateway notification. Signature
// verification happens at the HTTP boundary before this is called; by the
// time an event reaches here it is trusted and already normalized.
func (e *Engine) HandleCallback(ctx context.Context, ev *payment.CallbackEvent) error {
	order, err := e.store.GetOrder(ctx, ev.OrderRef)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			e.logger.Warn("Callback for unknown order",
				zap.String("order_ref", ev.OrderRef),
				zap.String("bill_id", ev.BillID))
		}
		return err
	}

	// The order reference is authoritative; a bill mismatch is suspicious
	// but not fatal.
	if order.BillID != nil && *order.BillID != ev.BillID {
		e.logger.Warn("Callback bill id does not match order",
			zap.String("order_id", order.ID),
			zap.String("stored_bill_id", *order.BillID),
			zap.String("callback_bill_id", ev.BillID))
	}

	go e.audit.RecordPaymentEvent(context.Background(), "callback_received", order.ID,
		map[string]interface{}{"bill_id": ev.BillID, "paid": ev.Paid})

	if ev.Paid {
		_, _, err := e.markPaid(ctx, order.ID, ev.TransactionID)
		return err
	}

	flipped, err := e.store.MarkFailed(ctx, order.ID)
	if err != nil {
		return err
	}
	if flipped {
		e.invalidate(ctx, order.ID)
		e.logger.Info("Payment failed via callback", zap.String("order_id", order.ID))
	}
	return nil
}

// Sync is the client-triggered fallback for when the callback has not
// arrived (or its notification send failed). Only the owning user may poll.
func (e *Engine) Sync(ctx context.Context, userID, orderID string) (*SyncResult, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, models.ErrForbidden
	}

	// Callback already won: re-send the confirmation in case its earlier
	// send failed, but touch no state.
	if order.Paid() {
		sent := e.sendConfirmation(ctx, order.ID)
		return &SyncResult{Paid: true, AlreadySynced: true, NotificationSent: sent}, nil
	}

	if order.BillID == nil {
		return nil, models.ErrNoPaymentLinked
	}

	status, err := e.bills.GetBillStatus(ctx, *order.BillID)
	if err != nil {
		// Transient: leave the order as it is, the payer can poll again.
		return nil, fmt.Errorf("bill status for order %s: %w", orderID, err)
	}

	if status.Paid {
		flipped, sent, err := e.markPaid(ctx, order.ID, "")
		if err != nil {
			return nil, err
		}
		if flipped {
			return &SyncResult{Paid: true, NotificationSent: sent}, nil
		}
		// Another caller settled the order between our read and the
		// conditional update. Report the row as it stands now; it may be
		// FAILED if it went overdue before the gateway registered the
		// payment.
		current, err := e.store.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		return &SyncResult{Paid: current.Paid(), AlreadySynced: true}, nil
	}

	// Unpaid is only a verdict once the bill is verifiably past due;
	// until then the payer can still complete payment.
	if status.Overdue(time.Now()) {
		flipped, err := e.store.MarkFailed(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if flipped {
			e.invalidate(ctx, order.ID)
			go e.audit.RecordPaymentEvent(context.Background(), "payment_overdue", order.ID,
				map[string]interface{}{"bill_id": *order.BillID, "state": status.State})
		}
	}
	return &SyncResult{}, nil
}

// markPaid is the single point of truth for the paid transition, shared by
// both paths. The store's conditional update decides the race; the
// notification is gated on that verdict, not on observed state, so dual
// delivery can never double-notify.
func (e *Engine) markPaid(ctx context.Context, orderID, transactionID string) (flipped, sent bool, err error) {
	flipped, err = e.store.MarkPaid(ctx, orderID, transactionID)
	if err != nil {
		return false, false, err
	}

	go e.audit.RecordPaymentEvent(context.Background(), "paid_verdict", orderID,
		map[string]interface{}{"flipped": flipped, "transaction_id": transactionID})

	if !flipped {
		return false, false, nil
	}

	e.invalidate(ctx, orderID)
	sent = e.sendConfirmation(ctx, orderID)
	e.logger.Info("Order marked paid",
		zap.String("order_id", orderID),
		zap.Bool("notification_sent", sent))
	return flipped, sent, nil
}

// sendConfirmation dispatches the one-shot order confirmation. Failures are
// logged and reported to the caller but never undo a payment verdict.
func (e *Engine) sendConfirmation(ctx context.Context, orderID string) bool {
	order, lines, err := e.store.GetOrderWithItems(ctx, orderID)
	if err != nil {
		e.logger.Error("Confirmation lookup failed",
			zap.String("order_id", orderID), zap.Error(err))
		return false
	}

	confirmation := &notify.Confirmation{
		RecipientEmail:  order.PayerEmail,
		RecipientName:   order.PayerName,
		OrderNumber:     order.OrderNumber,
		Total:           order.Total,
		ShippingAddress: order.ShippingAddress,
	}
	for _, line := range lines {
		confirmation.Lines = append(confirmation.Lines, notify.Line{
			Name:      line.ProductName,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	if err := e.notifier.SendConfirmation(ctx, confirmation); err != nil {
		e.logger.Error("Confirmation send failed",
			zap.String("order_id", orderID), zap.Error(err))
		return false
	}

	go e.audit.RecordPaymentEvent(context.Background(), "confirmation_sent", orderID,
		map[string]interface{}{"recipient": order.PayerEmail})
	return true
}

func (e *Engine) invalidate(ctx context.Context, orderID string) {
	if err := e.cache.InvalidateOrder(ctx, orderID); err != nil {
		e.logger.Warn("Order cache invalidation failed",
			zap.String("order_id", orderID), zap.Error(err))
	}
}
