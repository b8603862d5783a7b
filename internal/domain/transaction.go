package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is a single money movement between two wallets.
// Immutable once appended to the store.
type Transfer struct {
	// Core identifiers
	ID  string `json:"id"`
	Seq int64  `json:"seq"`

	// Parties involved
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`

	// Financial details
	Amount decimal.Decimal `json:"amount"`

	// Temporal
	Timestamp  time.Time `json:"timestamp"`
	RecordedAt time.Time `json:"recordedAt"`

	// Optional context
	DeviceType       string `json:"deviceType,omitempty"`
	Country          string `json:"country,omitempty"`
	MerchantCategory string `json:"merchantCategory,omitempty"`
	PaymentMethod    string `json:"paymentMethod,omitempty"`
	CustomerID       string `json:"customerId,omitempty"`
}

// AmountFloat returns the amount as a float for feature arithmetic.
func (t *Transfer) AmountFloat() float64 {
	return t.Amount.InexactFloat64()
}

// Edge returns the edge-log projection of the transfer.
func (t *Transfer) Edge() Edge {
	return Edge{
		Seq:       t.Seq,
		Sender:    t.Sender,
		Receiver:  t.Receiver,
		Amount:    t.AmountFloat(),
		Timestamp: t.Timestamp,
	}
}

// Edge is the denormalized (sender, receiver, amount, timestamp) projection
// of a stored transfer. Written together with its transfer, never alone.
type Edge struct {
	Seq       int64     `json:"seq"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// TransferRequest is the ingest payload.
type TransferRequest struct {
	Sender           string           `json:"sender"`
	Receiver         string           `json:"receiver"`
	Amount           *decimal.Decimal `json:"amount"`
	Timestamp        *time.Time       `json:"timestamp,omitempty"`
	DeviceType       string           `json:"deviceType,omitempty"`
	Country          string           `json:"country,omitempty"`
	MerchantCategory string           `json:"merchantCategory,omitempty"`
	PaymentMethod    string           `json:"paymentMethod,omitempty"`
	CustomerID       string           `json:"customerId,omitempty"`
}

// Validate rejects requests that must never reach the store.
func (r *TransferRequest) Validate() error {
	if strings.TrimSpace(r.Sender) == "" {
		return fmt.Errorf("%w: sender is required", ErrMalformedTransfer)
	}
	if strings.TrimSpace(r.Receiver) == "" {
		return fmt.Errorf("%w: receiver is required", ErrMalformedTransfer)
	}
	if r.Amount == nil {
		return fmt.Errorf("%w: amount is required", ErrMalformedTransfer)
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrMalformedTransfer)
	}
	return nil
}

// ToTransfer converts a validated request into a Transfer.
// A missing timestamp defaults to now.
func (r *TransferRequest) ToTransfer(now time.Time) *Transfer {
	ts := now
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = *r.Timestamp
	}
	return &Transfer{
		Sender:           strings.TrimSpace(r.Sender),
		Receiver:         strings.TrimSpace(r.Receiver),
		Amount:           *r.Amount,
		Timestamp:        ts.UTC(),
		DeviceType:       r.DeviceType,
		Country:          r.Country,
		MerchantCategory: r.MerchantCategory,
		PaymentMethod:    r.PaymentMethod,
		CustomerID:       r.CustomerID,
	}
}
