package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle state of a payment attempt.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
)

// PaymentType distinguishes subscription purchases from other charges.
type PaymentType string

const (
	TypeSubscription PaymentType = "subscription"
	TypeOther        PaymentType = "other"
)

// PaymentRecord is the durable state-machine instance for one STK push attempt.
// CheckoutRequestID is the reconciliation key; it is assigned exactly once,
// when the gateway accepts the push, in the same write that moves the record
// from pending to processing.
type PaymentRecord struct {
	ID                uuid.UUID       `db:"id"`
	UserID            uuid.UUID       `db:"user_id"`
	MerchantRequestID *string         `db:"merchant_request_id"`
	CheckoutRequestID *string         `db:"checkout_request_id"`
	PhoneNumber       string          `db:"phone_number"`
	Amount            decimal.Decimal `db:"amount"`
	PaymentType       PaymentType     `db:"payment_type"`
	Plan              *string         `db:"plan"`
	Mode              string          `db:"mode"`
	Status            PaymentStatus   `db:"status"`
	ResultCode        *int            `db:"result_code"`
	ResultDesc        *string         `db:"result_desc"`
	ReceiptNumber     *string         `db:"receipt_number"`
	TransactionDate   *time.Time      `db:"transaction_date"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// IsTerminal reports whether the record has reached a final state.
func (p *PaymentRecord) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// IsValidTransition checks whether moving from one status to another is
// allowed. Transitions are monotonic and one-way; nothing leaves a terminal
// state, and pending can never jump straight to completed.
func IsValidTransition(from, to PaymentStatus) bool {
	validTransitions := map[PaymentStatus][]PaymentStatus{
		StatusPending:    {StatusProcessing, StatusFailed},
		StatusProcessing: {StatusCompleted, StatusFailed},
		StatusCompleted:  {},
		StatusFailed:     {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}
