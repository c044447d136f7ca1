package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// CallbackEvent is the single internal shape every gateway notification is
// normalized into before it reaches the reconciliation engine. The engine
// never branches on wire formats.
type CallbackEvent struct {
	BillID        string
	OrderRef      string
	Paid          bool
	TransactionID string
}

var (
	ErrCallbackMissingBill  = errors.New("callback missing bill id")
	ErrCallbackMissingOrder = errors.New("callback missing order reference")
)

// ParseCallback decodes a gateway notification body, which arrives either
// form-encoded or as JSON depending on the gateway's delivery channel.
func ParseCallback(contentType string, body []byte) (*CallbackEvent, error) {
	var ev *CallbackEvent
	var err error
	if strings.Contains(contentType, "json") {
		ev, err = parseJSONCallback(body)
	} else {
		ev, err = parseFormCallback(body)
	}
	if err != nil {
		return nil, err
	}

	if ev.BillID == "" {
		return nil, ErrCallbackMissingBill
	}
	if ev.OrderRef == "" {
		return nil, ErrCallbackMissingOrder
	}
	return ev, nil
}

func parseJSONCallback(body []byte) (*CallbackEvent, error) {
	var payload struct {
		ID            string `json:"id"`
		BillID        string `json:"bill_id"`
		Reference1    string `json:"reference_1"`
		Paid          any    `json:"paid"`
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode json callback: %w", err)
	}

	billID := payload.ID
	if billID == "" {
		billID = payload.BillID
	}
	return &CallbackEvent{
		BillID:        billID,
		OrderRef:      payload.Reference1,
		Paid:          coercePaid(payload.Paid),
		TransactionID: payload.TransactionID,
	}, nil
}

func parseFormCallback(body []byte) (*CallbackEvent, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("decode form callback: %w", err)
	}

	billID := values.Get("id")
	if billID == "" {
		billID = values.Get("bill_id")
	}
	paid, _ := strconv.ParseBool(values.Get("paid"))
	return &CallbackEvent{
		BillID:        billID,
		OrderRef:      values.Get("reference_1"),
		Paid:          paid,
		TransactionID: values.Get("transaction_id"),
	}, nil
}

// Gateways are loose about booleans: some send true, some "true".
func coercePaid(v any) bool {
	switch paid := v.(type) {
	case bool:
		return paid
	case string:
		parsed, _ := strconv.ParseBool(paid)
		return parsed
	default:
		return false
	}
}
