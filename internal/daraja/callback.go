package daraja

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CallbackEnvelope is the outer wrapper the gateway POSTs to the callback
// URL.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback is the result object inside a callback envelope. The metadata
// array is present only on success and its items arrive in no guaranteed
// order.
type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// MetadataItem is one name/value pair from the callback metadata array.
type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// ParseCallback decodes a raw callback body. A body that does not decode, or
// that carries no CheckoutRequestID to reconcile against, is
// ErrMalformedCallback.
func ParseCallback(raw []byte) (*StkCallback, error) {
	var envelope CallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	return &cb, nil
}

// CallbackMeta is the typed view of the metadata array. Each field has an
// explicit presence flag; lookups are by name, never by position, and absent
// items simply leave their flag false.
type CallbackMeta struct {
	ReceiptNumber      string
	HasReceipt         bool
	Amount             decimal.Decimal
	HasAmount          bool
	Balance            decimal.Decimal
	HasBalance         bool
	TransactionDate    time.Time
	HasTransactionDate bool
	PhoneNumber        string
	HasPhone           bool
}

// Meta extracts the typed metadata from a callback, tolerating reordered or
// partially absent items.
func (c *StkCallback) Meta() CallbackMeta {
	byName := make(map[string]interface{}, len(c.CallbackMetadata.Item))
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != "" && item.Value != nil {
			byName[item.Name] = item.Value
		}
	}

	var meta CallbackMeta
	if v, ok := asString(byName["MpesaReceiptNumber"]); ok && v != "" {
		meta.ReceiptNumber = v
		meta.HasReceipt = true
	}
	if v, ok := asDecimal(byName["Amount"]); ok {
		meta.Amount = v
		meta.HasAmount = true
	}
	if v, ok := asDecimal(byName["Balance"]); ok {
		meta.Balance = v
		meta.HasBalance = true
	}
	if v, ok := asTime(byName["TransactionDate"]); ok {
		meta.TransactionDate = v
		meta.HasTransactionDate = true
	}
	if v, ok := asString(byName["PhoneNumber"]); ok && v != "" {
		meta.PhoneNumber = v
		meta.HasPhone = true
	}
	return meta
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		// Phone numbers arrive as JSON numbers.
		return decimal.NewFromFloat(val).StringFixed(0), true
	default:
		return "", false
	}
}

func asDecimal(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}

// asTime parses the gateway's numeric YYYYMMDDHHmmss transaction date.
func asTime(v interface{}) (time.Time, bool) {
	s, ok := asString(v)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
