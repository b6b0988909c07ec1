package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-api/internal/models"
	"billing-api/internal/monitoring"
)

type trackerFixture struct {
	balanceRepo     *fakeBalanceRepo
	transactionRepo *fakeTransactionRepo
	paymentRepo     *fakePaymentRepo
	cache           *recordingCache
	publisher       *recordingPublisher
	tracker         PaymentTracker
}

func newTrackerFixture() *trackerFixture {
	f := &trackerFixture{
		balanceRepo:     newFakeBalanceRepo(),
		transactionRepo: newFakeTransactionRepo(),
		paymentRepo:     newFakePaymentRepo(),
		cache:           newRecordingCache(),
		publisher:       &recordingPublisher{},
	}
	locks := newFakeLockManager()
	adjuster := NewAdjustmentEngine(f.balanceRepo, f.transactionRepo, locks,
		fakeTxRunner{}, f.cache, f.publisher, monitoring.NewNopMetrics(), testLogger())
	f.tracker = NewPaymentTracker(f.paymentRepo, f.balanceRepo, adjuster, locks,
		f.cache, f.publisher, monitoring.NewNopMetrics(), testLogger())
	return f
}

func (f *trackerFixture) createPayment(t *testing.T, userID int64, amount string) *models.Payment {
	t.Helper()
	result, err := f.tracker.CreatePayment(context.Background(), &PaymentRequest{
		UserID:        userID,
		Amount:        decimal.RequireFromString(amount),
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	require.Equal(t, models.CodeOK, result.Code)
	return result.Payment
}

func TestCreatePayment(t *testing.T) {
	f := newTrackerFixture()

	payment := f.createPayment(t, 1, "49.90")
	assert.Equal(t, models.PaymentPending, payment.Status)
	assert.Nil(t, payment.TransactionID)
	assert.NotEmpty(t, payment.PaymentID)

	result, err := f.tracker.CreatePayment(context.Background(), &PaymentRequest{
		UserID: 1, Amount: decimal.Zero, PaymentMethod: "card",
	})
	require.NoError(t, err)
	assert.Equal(t, models.CodeInvalidArgument, result.Code)
}

func TestCompletePayment(t *testing.T) {
	f := newTrackerFixture()
	require.NoError(t, f.balanceRepo.Create(context.Background(), models.NewBalance(1)))
	payment := f.createPayment(t, 1, "30")

	result, err := f.tracker.CompletePayment(context.Background(), &CompletePaymentRequest{
		PaymentID:         payment.PaymentID,
		ExternalPaymentID: "pi_123",
		ExternalData:      map[string]interface{}{"provider": "stripe"},
	})
	require.NoError(t, err)
	require.Equal(t, models.CodeOK, result.Code)

	completed := result.Payment
	assert.Equal(t, models.PaymentCompleted, completed.Status)
	require.NotNil(t, completed.TransactionID)
	require.NotNil(t, completed.ExternalPaymentID)
	assert.Equal(t, "pi_123", *completed.ExternalPaymentID)
	assert.NotNil(t, completed.CompletedAt)

	// The ledger holds exactly one deposit keyed to the payment.
	entry, err := f.transactionRepo.GetBySource(context.Background(), models.SourcePayment, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, *completed.TransactionID, entry.TransactionID)
	assert.Equal(t, models.TypeDeposit, entry.Type)

	balance, err := f.balanceRepo.GetByUserID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "30", balance.CurrentBalance.String())

	// Lookup by provider ID works after completion.
	byExternal, err := f.paymentRepo.GetByExternalID(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Equal(t, payment.PaymentID, byExternal.PaymentID)
}

func TestCompletePaymentProvisionsMissingBalance(t *testing.T) {
	f := newTrackerFixture()
	payment := f.createPayment(t, 99, "10")

	result, err := f.tracker.CompletePayment(context.Background(), &CompletePaymentRequest{
		PaymentID:         payment.PaymentID,
		ExternalPaymentID: "pi_new_user",
	})
	require.NoError(t, err)
	require.Equal(t, models.CodeOK, result.Code)
	assert.Equal(t, models.PaymentCompleted, result.Payment.Status)

	balance, err := f.balanceRepo.GetByUserID(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, "10", balance.CurrentBalance.String())
}

func TestCompletePaymentRedeliveryIsNoOp(t *testing.T) {
	f := newTrackerFixture()
	require.NoError(t, f.balanceRepo.Create(context.Background(), models.NewBalance(1)))
	payment := f.createPayment(t, 1, "30")

	first, err := f.tracker.CompletePayment(context.Background(), &CompletePaymentRequest{
		PaymentID:         payment.PaymentID,
		ExternalPaymentID: "pi_123",
	})
	require.NoError(t, err)
	require.Equal(t, models.CodeOK, first.Code)

	second, err := f.tracker.CompletePayment(context.Background(), &CompletePaymentRequest{
		PaymentID:         payment.PaymentID,
		ExternalPaymentID: "pi_123",
	})
	require.NoError(t, err)
	assert.Equal(t, models.CodeOK, second.Code)
	assert.True(t, second.AlreadyFinal)
	assert.Equal(t, *first.Payment.TransactionID, *second.Payment.TransactionID)

	// Credited exactly once.
	balance, err := f.balanceRepo.GetByUserID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "30", balance.CurrentBalance.String())
	assert.Equal(t, 1, f.transactionRepo.count())
}

func TestFailPayment(t *testing.T) {
	f := newTrackerFixture()
	require.NoError(t, f.balanceRepo.Create(context.Background(), models.NewBalance(1)))
	payment := f.createPayment(t, 1, "30")

	result, err := f.tracker.FailPayment(context.Background(), payment.PaymentID, "card declined")
	require.NoError(t, err)
	require.Equal(t, models.CodeOK, result.Code)
	assert.Equal(t, models.PaymentFailed, result.Payment.Status)
	assert.Equal(t, "card declined", result.Payment.ErrorMessage)
	assert.Nil(t, result.Payment.TransactionID)

	// Failures never touch the ledger or the balance.
	assert.Zero(t, f.transactionRepo.count())
	balance, err := f.balanceRepo.GetByUserID(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, balance.CurrentBalance.IsZero())

	// A late success for a failed payment stays a no-op.
	late, err := f.tracker.CompletePayment(context.Background(), &CompletePaymentRequest{
		PaymentID: payment.PaymentID,
	})
	require.NoError(t, err)
	assert.True(t, late.AlreadyFinal)
	assert.Equal(t, models.PaymentFailed, late.Payment.Status)
	assert.Zero(t, f.transactionRepo.count())
}

func TestCancelPayment(t *testing.T) {
	f := newTrackerFixture()
	payment := f.createPayment(t, 1, "30")

	result, err := f.tracker.CancelPayment(context.Background(), payment.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.CodeOK, result.Code)
	assert.Equal(t, models.PaymentCancelled, result.Payment.Status)
	assert.Zero(t, f.transactionRepo.count())
}

func TestTransitionUnknownPayment(t *testing.T) {
	f := newTrackerFixture()

	result, err := f.tracker.FailPayment(context.Background(), "PAY-missing", "whatever")
	require.NoError(t, err)
	assert.Equal(t, models.CodePaymentNotFound, result.Code)
}
