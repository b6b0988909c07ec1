package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-api/internal/models"
	"billing-api/internal/monitoring"
)

type webhookFixture struct {
	*trackerFixture
	handler WebhookHandler
}

func newWebhookFixture() *webhookFixture {
	tf := newTrackerFixture()
	return &webhookFixture{
		trackerFixture: tf,
		handler:        NewWebhookHandler(tf.paymentRepo, tf.tracker, monitoring.NewNopMetrics(), testLogger()),
	}
}

func TestHandleEventPaymentSucceeded(t *testing.T) {
	f := newWebhookFixture()
	require.NoError(t, f.balanceRepo.Create(context.Background(), models.NewBalance(1)))
	payment := f.createPayment(t, 1, "25")

	payload := fmt.Sprintf(`{
		"type": "payment.succeeded",
		"data": {
			"id": "pi_abc",
			"metadata": {"payment_id": %q},
			"object": {"receipt_url": "https://pay.example/r/1"}
		}
	}`, payment.PaymentID)

	result, err := f.handler.HandleEvent(context.Background(), []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, result.Outcome)
	require.NotNil(t, result.Payment)
	assert.Equal(t, models.PaymentCompleted, result.Payment.Status)

	balance, err := f.balanceRepo.GetByUserID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "25", balance.CurrentBalance.String())
}

func TestHandleEventResolvesByExternalID(t *testing.T) {
	f := newWebhookFixture()
	require.NoError(t, f.balanceRepo.Create(context.Background(), models.NewBalance(1)))
	payment := f.createPayment(t, 1, "25")

	// First delivery carries metadata and records the external ID.
	first := fmt.Sprintf(`{"type":"checkout.completed","data":{"id":"pi_xyz","metadata":{"payment_id":%q}}}`,
		payment.PaymentID)
	result, err := f.handler.HandleEvent(context.Background(), []byte(first))
	require.NoError(t, err)
	require.Equal(t, WebhookApplied, result.Outcome)

	// Redelivery without metadata resolves through the external ID and acks.
	redelivery := `{"type":"payment.succeeded","data":{"id":"pi_xyz"}}`
	result, err = f.handler.HandleEvent(context.Background(), []byte(redelivery))
	require.NoError(t, err)
	assert.Equal(t, WebhookAlreadyFinal, result.Outcome)

	balance, err := f.balanceRepo.GetByUserID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "25", balance.CurrentBalance.String())
	assert.Equal(t, 1, f.transactionRepo.count())
}

func TestHandleEventPaymentFailed(t *testing.T) {
	f := newWebhookFixture()
	payment := f.createPayment(t, 1, "25")

	payload := fmt.Sprintf(`{
		"type": "payment.failed",
		"data": {"id": "pi_fail", "failure_reason": "insufficient card funds", "metadata": {"payment_id": %q}}
	}`, payment.PaymentID)

	result, err := f.handler.HandleEvent(context.Background(), []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, result.Outcome)
	assert.Equal(t, models.PaymentFailed, result.Payment.Status)
	assert.Equal(t, "insufficient card funds", result.Payment.ErrorMessage)
	assert.Zero(t, f.transactionRepo.count())
}

func TestHandleEventPaymentCanceled(t *testing.T) {
	f := newWebhookFixture()
	payment := f.createPayment(t, 1, "25")

	payload := fmt.Sprintf(`{"type":"payment.canceled","data":{"metadata":{"payment_id":%q}}}`,
		payment.PaymentID)

	result, err := f.handler.HandleEvent(context.Background(), []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, result.Outcome)
	assert.Equal(t, models.PaymentCancelled, result.Payment.Status)
}

func TestHandleEventAcksNoise(t *testing.T) {
	f := newWebhookFixture()

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"type": "payment.succeeded", "data":`},
		{"unknown kind", `{"type": "customer.updated", "data": {"id": "cus_1"}}`},
		{"unmatched payment", `{"type": "payment.succeeded", "data": {"id": "pi_ghost"}}`},
		{"no identifiers", `{"type": "payment.succeeded", "data": {}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.handler.HandleEvent(context.Background(), []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, WebhookIgnored, result.Outcome)
		})
	}

	assert.Zero(t, f.transactionRepo.count())
}
