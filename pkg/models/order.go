package models

import (
	"fmt"
	"math/rand"
	"time"
)

// Order lifecycle.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusConfirmed = "CONFIRMED"
)

// Payment lifecycle. COMPLETED and FAILED are terminal.
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
)

// Order is one checkout attempt. Total is computed once at creation time
// (total = subtotal + tax + shipping) and never recomputed afterward.
type Order struct {
	ID              string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderNumber     string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_number"`
	UserID          string     `gorm:"type:varchar(36);not null;index" json:"user_id"`
	PayerEmail      string     `gorm:"type:varchar(255)" json:"payer_email"`
	PayerName       string     `gorm:"type:varchar(255)" json:"payer_name"`
	Status          string     `gorm:"type:varchar(20);default:'PENDING'" json:"status"`
	PaymentStatus   string     `gorm:"type:varchar(20);default:'PENDING'" json:"payment_status"`
	Subtotal        float64    `gorm:"type:decimal(10,2)" json:"subtotal"`
	Tax             float64    `gorm:"type:decimal(10,2)" json:"tax"`
	Shipping        float64    `gorm:"type:decimal(10,2)" json:"shipping"`
	Total           float64    `gorm:"type:decimal(10,2)" json:"total"`
	ShippingAddress string     `gorm:"type:text" json:"shipping_address"` // JSON string
	PaymentMethod   string     `gorm:"type:varchar(32)" json:"payment_method"`
	BillID          *string    `gorm:"type:varchar(64);index" json:"bill_id,omitempty"`
	TransactionID   *string    `gorm:"type:varchar(64)" json:"transaction_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `gorm:"index" json:"-"`
}

func (Order) TableName() string {
	return "orders"
}

// Paid reports whether the order reached its terminal paid state.
func (o *Order) Paid() bool {
	return o.Status == OrderStatusConfirmed && o.PaymentStatus == PaymentStatusCompleted
}

// OrderLineItem is one product line within an order. The unit price is a
// snapshot taken at order time and stays fixed even if the catalog price
// changes later. Line items are created with the order and never mutated.
type OrderLineItem struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	OrderID     string    `gorm:"type:varchar(36);index;not null" json:"order_id"`
	ProductID   string    `gorm:"type:varchar(36);index;not null" json:"product_id"`
	ProductName string    `gorm:"type:varchar(255)" json:"product_name"`
	Quantity    int       `gorm:"not null" json:"quantity"`
	UnitPrice   float64   `gorm:"type:decimal(10,2);not null" json:"unit_price"`
	CreatedAt   time.Time `json:"created_at"`
}

func (OrderLineItem) TableName() string {
	return "order_line_items"
}

// Address is structured but opaque to the reconciliation subsystem; it is
// serialized to JSON on the order row.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// CheckoutItem is one requested line of a checkout submission.
type CheckoutItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CheckoutRequest is the resolved input to order placement. UserID comes
// from the authenticated session, never from the request body.
type CheckoutRequest struct {
	UserID          string
	PayerEmail      string
	PayerName       string
	ShippingAddress Address
	PaymentMethod   string
	Items           []CheckoutItem
}

// NewOrderNumber builds a human-facing order number from a timestamp plus a
// random suffix. Collisions are improbable, not impossible; the unique index
// on order_number catches the remainder and the store retries.
func NewOrderNumber() string {
	return fmt.Sprintf("ORD-%s-%04d", time.Now().Format("20060102150405"), rand.Intn(10000))
}
