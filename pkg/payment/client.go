package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/money"
	"go.uber.org/zap"
)

var (
	// ErrInvalidAmount means the order total converts to less than one
	// minor unit; checked before any network I/O.
	ErrInvalidAmount = errors.New("amount below one minor unit")
	// ErrGatewayRejected means the gateway refused the request; the caller
	// must not retry within the same checkout attempt.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrGatewayUnavailable covers network failures, timeouts and 5xx.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Client talks to the external bill gateway. Bills are created in minor
// units (integer cents) to avoid float rounding mismatches on the wire.
type Client struct {
	baseURL      string
	apiKey       string
	collectionID string
	callbackURL  string
	redirectURL  string
	http         *http.Client
	logger       *zap.Logger
}

func NewClient(cfg *config.PaymentConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		collectionID: cfg.CollectionID,
		callbackURL:  cfg.CallbackURL,
		redirectURL:  cfg.RedirectURL,
		http:         &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// CreateBillRequest carries what the gateway needs to raise a charge.
// Amount is the order total in major units; the client converts it.
type CreateBillRequest struct {
	Amount      float64
	PayerEmail  string
	PayerName   string
	Description string
	OrderRef    string
}

// Bill is the gateway's record of a payable charge.
type Bill struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// BillStatus is the read-through view of a bill used by reconciliation.
type BillStatus struct {
	Paid  bool
	State string
	DueAt time.Time
}

// Overdue reports whether an unpaid bill can be treated as a definitive
// failure rather than a payment still in flight.
func (b *BillStatus) Overdue(now time.Time) bool {
	if b.State == "overdue" {
		return true
	}
	return !b.DueAt.IsZero() && now.After(b.DueAt)
}

type createBillPayload struct {
	CollectionID string `json:"collection_id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Amount       int64  `json:"amount"`
	Description  string `json:"description"`
	CallbackURL  string `json:"callback_url"`
	RedirectURL  string `json:"redirect_url"`
	Reference1   string `json:"reference_1"`
}

// CreateBill raises a charge with the gateway and returns the bill id plus
// the payer-facing redirect URL. Failures are definitive for this checkout
// attempt; the caller compensates and the user retries the whole checkout.
func (c *Client) CreateBill(ctx context.Context, req *CreateBillRequest) (*Bill, error) {
	cents := money.MinorUnits(req.Amount)
	if cents < 1 {
		return nil, fmt.Errorf("%w: %.2f", ErrInvalidAmount, req.Amount)
	}

	payload := createBillPayload{
		CollectionID: c.collectionID,
		Email:        req.PayerEmail,
		Name:         req.PayerName,
		Amount:       cents,
		Description:  req.Description,
		CallbackURL:  c.callbackURL,
		RedirectURL:  c.redirectURL,
		Reference1:   req.OrderRef,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/bills", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.apiKey, "")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.logger.Warn("Bill creation rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
	}

	var bill Bill
	if err := json.Unmarshal(body, &bill); err != nil {
		return nil, fmt.Errorf("decode bill: %w", err)
	}
	if bill.ID == "" {
		return nil, fmt.Errorf("%w: response missing bill id", ErrGatewayRejected)
	}
	return &bill, nil
}

type billStatusPayload struct {
	Paid  bool   `json:"paid"`
	State string `json:"state"`
	DueAt string `json:"due_at"`
}

// GetBillStatus fetches the bill's current state. Errors here are transient:
// the caller leaves the order untouched and may poll again later.
func (c *Client) GetBillStatus(ctx context.Context, billID string) (*BillStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/bills/"+billID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(c.apiKey, "")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch bill %s: %w", billID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch bill %s: status %d", billID, resp.StatusCode)
	}

	var payload billStatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode bill %s: %w", billID, err)
	}

	status := &BillStatus{Paid: payload.Paid, State: payload.State}
	if payload.DueAt != "" {
		status.DueAt, err = parseDueAt(payload.DueAt)
		if err != nil {
			c.logger.Warn("Unparseable bill due date",
				zap.String("bill_id", billID),
				zap.String("due_at", payload.DueAt))
		}
	}
	return status, nil
}

func parseDueAt(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized due date %q", value)
}
