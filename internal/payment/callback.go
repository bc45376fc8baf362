// Package payment applies M-Pesa STK callbacks to stored transactions and
// provisions the hotspot account a successful payment buys.
package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
)

// Callback metadata item names.
const (
	ItemReceipt         = "MpesaReceiptNumber"
	ItemAmount          = "Amount"
	ItemPhone           = "PhoneNumber"
	ItemTransactionDate = "TransactionDate"
)

type callbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback is the nested result object of a gateway callback.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        json.Number       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Metadata is what a successful callback confirms.
type Metadata struct {
	Receipt         string
	Amount          decimal.Decimal
	Phone           string
	TransactionDate string
}

// ParseCallback decodes a raw callback body. The nested stkCallback object
// and both request ids are required.
func ParseCallback(raw []byte) (*STKCallback, error) {
	var env callbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	cb := env.Body.STKCallback
	if cb == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrInvalidPayload)
	}
	if !cb.IDs().Valid() {
		return nil, fmt.Errorf("%w: missing merchant or checkout request id", ErrInvalidPayload)
	}
	return cb, nil
}

func (c *STKCallback) IDs() transaction.IDPair {
	return transaction.IDPair{CheckoutRequestID: c.CheckoutRequestID, MerchantRequestID: c.MerchantRequestID}
}

// Code returns the numeric result code. A missing or non-numeric code is
// treated as a failure.
func (c *STKCallback) Code() int {
	n, err := strconv.Atoi(c.ResultCode.String())
	if err != nil {
		return -1
	}
	return n
}

func (c *STKCallback) Succeeded() bool { return c.Code() == 0 }

// Reason is the gateway's result description, defaulted when absent.
func (c *STKCallback) Reason() string {
	if c.ResultDesc == "" {
		return "Unknown error"
	}
	return c.ResultDesc
}

// Metadata extracts the confirmed receipt, amount and payer phone. Unknown
// items are ignored; a malformed amount is an error.
func (c *STKCallback) Metadata() (Metadata, error) {
	var m Metadata
	if c.CallbackMetadata == nil {
		return m, nil
	}
	for _, item := range c.CallbackMetadata.Item {
		switch item.Name {
		case ItemReceipt:
			m.Receipt = scalar(item.Value)
		case ItemPhone:
			m.Phone = scalar(item.Value)
		case ItemTransactionDate:
			m.TransactionDate = scalar(item.Value)
		case ItemAmount:
			if len(item.Value) == 0 {
				continue
			}
			if err := m.Amount.UnmarshalJSON(item.Value); err != nil {
				return m, fmt.Errorf("%w: amount %s: %v", ErrInvalidPayload, item.Value, err)
			}
		}
	}
	return m, nil
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return text
}
