package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBalanceApply(t *testing.T) {
	tests := []struct {
		name          string
		start         string
		amount        string
		txType        TransactionType
		wantErr       bool
		wantBalance   string
		wantDeposited string
		wantSpent     string
	}{
		{"deposit credits", "10", "5.50", TypeDeposit, false, "15.5", "5.5", "0"},
		{"withdrawal debits", "10", "4", TypeWithdrawal, false, "6", "0", "4"},
		{"withdrawal of full balance", "10", "10", TypeWithdrawal, false, "0", "0", "10"},
		{"overdraft rejected", "10", "10.01", TypeWithdrawal, true, "10", "0", "0"},
		{"zero amount rejected", "10", "0", TypeDeposit, true, "10", "0", "0"},
		{"negative amount rejected", "10", "-1", TypeDeposit, true, "10", "0", "0"},
		{"unknown type rejected", "10", "1", TransactionType("transfer"), true, "10", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBalance(1)
			b.CurrentBalance = dec(tt.start)

			err := b.Apply(dec(tt.amount), tt.txType)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantBalance, b.CurrentBalance.String())
			assert.Equal(t, tt.wantDeposited, b.TotalDeposited.String())
			assert.Equal(t, tt.wantSpent, b.TotalSpent.String())
		})
	}
}

func TestBalanceApplyDebtDelta(t *testing.T) {
	b := NewBalance(1)

	require.NoError(t, b.ApplyDebtDelta(dec("30")))
	assert.Equal(t, "30", b.Debt.String())
	assert.True(t, b.HasDebt())

	require.NoError(t, b.ApplyDebtDelta(dec("-30")))
	assert.True(t, b.Debt.IsZero())
	assert.False(t, b.HasDebt())

	err := b.ApplyDebtDelta(dec("-0.01"))
	require.Error(t, err)
	assert.True(t, b.Debt.IsZero())
}

func TestBalanceValidate(t *testing.T) {
	b := NewBalance(7)
	require.NoError(t, b.Validate())

	b.UserID = 0
	assert.Error(t, b.Validate())

	b = NewBalance(7)
	b.Debt = dec("-1")
	assert.Error(t, b.Validate())
}
