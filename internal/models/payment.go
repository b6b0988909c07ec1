package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PaymentStatus is the lifecycle state of an external payment attempt.
// Every payment starts pending; completed, failed and cancelled are
// terminal and never revisited.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Payment tracks one external payment attempt, decoupled from the ledger
// entry it eventually produces.
type Payment struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	PaymentID string             `bson:"payment_id" json:"payment_id"`
	UserID    int64              `bson:"user_id" json:"user_id"`

	Amount        decimal.Decimal `bson:"amount" json:"amount"`
	PaymentMethod string          `bson:"payment_method" json:"payment_method"`

	// ExternalPaymentID is the provider-side identifier, unknown until the
	// provider responds.
	ExternalPaymentID *string       `bson:"external_payment_id,omitempty" json:"external_payment_id,omitempty"`
	Status            PaymentStatus `bson:"status" json:"status"`

	// TransactionID references the ledger entry, set iff the payment
	// completed.
	TransactionID *string `bson:"transaction_id,omitempty" json:"transaction_id,omitempty"`

	ExternalData map[string]interface{} `bson:"external_data,omitempty" json:"external_data,omitempty"`
	ErrorMessage string                 `bson:"error_message,omitempty" json:"error_message,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// NewPayment creates a pending payment for a checkout initiation.
func NewPayment(userID int64, amount decimal.Decimal, method string) *Payment {
	return &Payment{
		PaymentID:     fmt.Sprintf("PAY-%d-%s", time.Now().Unix(), uuid.NewString()[:8]),
		UserID:        userID,
		Amount:        amount,
		PaymentMethod: method,
		Status:        PaymentPending,
		CreatedAt:     time.Now(),
	}
}

// IsTerminal reports whether the payment reached a final state.
func (p *Payment) IsTerminal() bool {
	return p.Status != PaymentPending
}

// SetExternalID records the provider-side identifier.
func (p *Payment) SetExternalID(externalID string) {
	if externalID == "" {
		return
	}
	id := externalID
	p.ExternalPaymentID = &id
}

// MarkCompleted transitions the payment to completed, linking the ledger
// entry it produced.
func (p *Payment) MarkCompleted(transactionID string) {
	now := time.Now()
	txID := transactionID
	p.Status = PaymentCompleted
	p.TransactionID = &txID
	p.CompletedAt = &now
}

// MarkFailed transitions the payment to failed without touching the ledger.
func (p *Payment) MarkFailed(errorMessage string) {
	p.Status = PaymentFailed
	p.ErrorMessage = errorMessage
}

// MarkCancelled transitions the payment to cancelled without touching the
// ledger.
func (p *Payment) MarkCancelled() {
	p.Status = PaymentCancelled
}

// Validate validates the payment data.
func (p *Payment) Validate() error {
	if p.PaymentID == "" {
		return fmt.Errorf("payment ID is required")
	}
	if p.UserID <= 0 {
		return fmt.Errorf("invalid user ID")
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("payment amount must be positive")
	}
	switch p.Status {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentCancelled:
	default:
		return fmt.Errorf("invalid payment status: %s", p.Status)
	}
	if p.Status == PaymentCompleted && p.TransactionID == nil {
		return fmt.Errorf("completed payment must reference a transaction")
	}
	if p.Status != PaymentCompleted && p.TransactionID != nil {
		return fmt.Errorf("only completed payments may reference a transaction")
	}
	return nil
}
