package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TransactionType is the direction of a balance movement.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
)

// TransactionSource identifies what triggered a balance movement.
type TransactionSource string

const (
	SourceManual  TransactionSource = "manual"
	SourcePayment TransactionSource = "payment"
	SourceVisit   TransactionSource = "visit"
	SourceDebt    TransactionSource = "debt"
)

// TransactionStatus is the lifecycle state of a ledger entry. Adjustments
// are synchronous, so entries are written completed.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusCompleted TransactionStatus = "completed"
)

// Transaction is an immutable ledger entry recording one balance movement.
// At most one entry may exist per non-empty (source, source_id) pair; the
// store enforces this with a partial unique index.
type Transaction struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	TransactionID string             `bson:"transaction_id" json:"transaction_id"`
	UserID        int64              `bson:"user_id" json:"user_id"`

	Amount decimal.Decimal   `bson:"amount" json:"amount"`
	Type   TransactionType   `bson:"type" json:"type"`
	Source TransactionSource `bson:"source" json:"source"`
	// SourceID is the idempotency key scoped to Source; nil when the
	// movement has no external trigger to deduplicate against.
	SourceID *string           `bson:"source_id,omitempty" json:"source_id,omitempty"`
	Status   TransactionStatus `bson:"status" json:"status"`
	Comment  string            `bson:"comment,omitempty" json:"comment,omitempty"`

	// BalanceAfter is the CurrentBalance snapshot immediately after the
	// movement was applied.
	BalanceAfter decimal.Decimal `bson:"balance_after" json:"balance_after"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// TransactionRequest carries the parameters for one balance movement.
type TransactionRequest struct {
	UserID   int64             `json:"user_id"`
	Amount   decimal.Decimal   `json:"amount"`
	Type     TransactionType   `json:"type"`
	Source   TransactionSource `json:"source"`
	SourceID string            `json:"source_id,omitempty"`
	Comment  string            `json:"comment,omitempty"`
}

// NewTransaction creates a completed ledger entry for an applied movement.
func NewTransaction(req *TransactionRequest, balanceAfter decimal.Decimal) *Transaction {
	now := time.Now()
	txn := &Transaction{
		TransactionID: fmt.Sprintf("TXN-%d-%s", now.Unix(), uuid.NewString()[:8]),
		UserID:        req.UserID,
		Amount:        req.Amount,
		Type:          req.Type,
		Source:        req.Source,
		Status:        TxStatusCompleted,
		Comment:       req.Comment,
		BalanceAfter:  balanceAfter,
		CreatedAt:     now,
	}
	if req.SourceID != "" {
		sourceID := req.SourceID
		txn.SourceID = &sourceID
	}
	return txn
}

// IsDeposit reports whether the entry credits the balance.
func (t *Transaction) IsDeposit() bool {
	return t.Type == TypeDeposit
}

// SignedAmount returns the amount with the sign of its effect on the balance.
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Type == TypeWithdrawal {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Validate validates the entry before it is persisted.
func (t *Transaction) Validate() error {
	if t.TransactionID == "" {
		return fmt.Errorf("transaction ID is required")
	}
	if t.UserID <= 0 {
		return fmt.Errorf("invalid user ID")
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("transaction amount must be positive")
	}
	if t.Type != TypeDeposit && t.Type != TypeWithdrawal {
		return fmt.Errorf("invalid transaction type: %s", t.Type)
	}
	switch t.Source {
	case SourceManual, SourcePayment, SourceVisit, SourceDebt:
	default:
		return fmt.Errorf("invalid transaction source: %s", t.Source)
	}
	switch t.Status {
	case TxStatusPending, TxStatusFailed, TxStatusCompleted:
	default:
		return fmt.Errorf("invalid transaction status: %s", t.Status)
	}
	if t.SourceID != nil && *t.SourceID == "" {
		return fmt.Errorf("source ID cannot be empty when set")
	}
	if t.BalanceAfter.IsNegative() {
		return fmt.Errorf("balance after cannot be negative")
	}
	return nil
}
