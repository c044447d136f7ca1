package notify

import "context"

// Confirmation is the one-shot order confirmation message sent to the
// customer once an order is paid.
type Confirmation struct {
	RecipientEmail  string
	RecipientName   string
	OrderNumber     string
	Lines           []Line
	Total           float64
	ShippingAddress string
}

type Line struct {
	Name      string
	Quantity  int
	UnitPrice float64
}

// Dispatcher sends confirmations. Failures never roll back a payment
// verdict; callers log them and, on the poll path, surface a
// notification_sent=false.
type Dispatcher interface {
	SendConfirmation(ctx context.Context, c *Confirmation) error
}

// Sender is the outbound delivery boundary (mail provider, SMS bridge).
// The storefront owns dispatching, not delivery.
type Sender interface {
	Send(c *Confirmation) error
}
