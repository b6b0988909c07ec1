package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Balance is the per-user aggregate of spendable funds and running totals.
// It is mutated only by the adjustment engine, under the per-user lock.
type Balance struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	UserID         int64              `bson:"user_id" json:"user_id"`
	CurrentBalance decimal.Decimal    `bson:"current_balance" json:"current_balance"`
	TotalDeposited decimal.Decimal    `bson:"total_deposited" json:"total_deposited"`
	TotalSpent     decimal.Decimal    `bson:"total_spent" json:"total_spent"`
	Debt           decimal.Decimal    `bson:"debt" json:"debt"`

	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	LastUpdated time.Time `bson:"last_updated" json:"last_updated"`
}

// NewBalance creates an empty balance for a user.
func NewBalance(userID int64) *Balance {
	now := time.Now()
	return &Balance{
		UserID:         userID,
		CurrentBalance: decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalSpent:     decimal.Zero,
		Debt:           decimal.Zero,
		CreatedAt:      now,
		LastUpdated:    now,
	}
}

// CanWithdraw reports whether the spendable balance covers amount.
func (b *Balance) CanWithdraw(amount decimal.Decimal) bool {
	return b.CurrentBalance.GreaterThanOrEqual(amount)
}

// Apply moves amount through the balance and updates the running totals.
// Withdrawals that would drive the balance negative are rejected; debt is
// tracked separately and never created here.
func (b *Balance) Apply(amount decimal.Decimal, txType TransactionType) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount.String())
	}

	switch txType {
	case TypeDeposit:
		b.CurrentBalance = b.CurrentBalance.Add(amount)
		b.TotalDeposited = b.TotalDeposited.Add(amount)
	case TypeWithdrawal:
		if !b.CanWithdraw(amount) {
			return fmt.Errorf("insufficient funds: available %s, requested %s",
				b.CurrentBalance.String(), amount.String())
		}
		b.CurrentBalance = b.CurrentBalance.Sub(amount)
		b.TotalSpent = b.TotalSpent.Add(amount)
	default:
		return fmt.Errorf("unknown transaction type: %s", txType)
	}

	b.LastUpdated = time.Now()
	return nil
}

// ApplyDebtDelta adjusts the independently tracked debt field. The resulting
// debt must stay non-negative.
func (b *Balance) ApplyDebtDelta(delta decimal.Decimal) error {
	next := b.Debt.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("debt cannot go negative: current %s, delta %s",
			b.Debt.String(), delta.String())
	}
	b.Debt = next
	b.LastUpdated = time.Now()
	return nil
}

// HasDebt reports whether the user is a debtor.
func (b *Balance) HasDebt() bool {
	return b.Debt.IsPositive()
}

// Validate validates the balance invariants.
func (b *Balance) Validate() error {
	if b.UserID <= 0 {
		return fmt.Errorf("invalid user ID")
	}
	if b.CurrentBalance.IsNegative() {
		return fmt.Errorf("current balance cannot be negative")
	}
	if b.Debt.IsNegative() {
		return fmt.Errorf("debt cannot be negative")
	}
	if b.TotalDeposited.IsNegative() || b.TotalSpent.IsNegative() {
		return fmt.Errorf("running totals cannot be negative")
	}
	return nil
}
