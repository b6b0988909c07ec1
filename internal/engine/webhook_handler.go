package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"billing-api/internal/models"
	"billing-api/internal/monitoring"
	"billing-api/internal/repository"
)

// Webhook event kinds delivered by the payment provider.
const (
	EventPaymentSucceeded  = "payment.succeeded"
	EventCheckoutCompleted = "checkout.completed"
	EventPaymentFailed     = "payment.failed"
	EventPaymentCanceled   = "payment.canceled"
)

// WebhookHandler reconciles provider callbacks against tracked payments.
// Every delivery is acknowledged: events that cannot be matched to a payment
// are logged and dropped rather than bounced, since the provider would
// otherwise redeliver them forever.
type WebhookHandler interface {
	HandleEvent(ctx context.Context, payload []byte) (*WebhookResult, error)
}

type webhookHandler struct {
	paymentRepo repository.PaymentRepository
	tracker     PaymentTracker
	metrics     monitoring.MetricsService
	logger      *logrus.Logger
}

func NewWebhookHandler(
	paymentRepo repository.PaymentRepository,
	tracker PaymentTracker,
	metrics monitoring.MetricsService,
	logger *logrus.Logger,
) WebhookHandler {
	return &webhookHandler{
		paymentRepo: paymentRepo,
		tracker:     tracker,
		metrics:     metrics,
		logger:      logger,
	}
}

// webhookEvent is the provider's envelope. Metadata carries back whatever we
// attached at checkout initiation, including our payment ID.
type webhookEvent struct {
	Kind string      `json:"type"`
	Data webhookData `json:"data"`
}

type webhookData struct {
	ExternalPaymentID string                 `json:"id"`
	FailureReason     string                 `json:"failure_reason,omitempty"`
	Metadata          map[string]string      `json:"metadata,omitempty"`
	Raw               map[string]interface{} `json:"object,omitempty"`
}

const (
	WebhookApplied      = "applied"
	WebhookAlreadyFinal = "already_final"
	WebhookIgnored      = "ignored"
)

type WebhookResult struct {
	Kind    string          `json:"kind"`
	Outcome string          `json:"outcome"`
	Payment *models.Payment `json:"payment,omitempty"`
}

func (h *webhookHandler) HandleEvent(ctx context.Context, payload []byte) (*WebhookResult, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.WithError(err).Warn("Dropping malformed webhook payload")
		h.metrics.RecordWebhookEvent("malformed", WebhookIgnored)
		return &WebhookResult{Kind: "malformed", Outcome: WebhookIgnored}, nil
	}

	switch event.Kind {
	case EventPaymentSucceeded, EventCheckoutCompleted, EventPaymentFailed, EventPaymentCanceled:
	default:
		h.logger.WithField("kind", event.Kind).Debug("Ignoring unhandled webhook kind")
		h.metrics.RecordWebhookEvent(event.Kind, WebhookIgnored)
		return &WebhookResult{Kind: event.Kind, Outcome: WebhookIgnored}, nil
	}

	payment, err := h.resolvePayment(ctx, &event.Data)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		h.logger.WithFields(logrus.Fields{
			"kind":                event.Kind,
			"external_payment_id": event.Data.ExternalPaymentID,
		}).Warn("Webhook does not match any tracked payment")
		h.metrics.RecordWebhookEvent(event.Kind, WebhookIgnored)
		return &WebhookResult{Kind: event.Kind, Outcome: WebhookIgnored}, nil
	}

	result, err := h.apply(ctx, event.Kind, payment, &event.Data)
	if err != nil {
		return nil, err
	}

	outcome := WebhookApplied
	if result.AlreadyFinal {
		outcome = WebhookAlreadyFinal
	}
	h.metrics.RecordWebhookEvent(event.Kind, outcome)

	return &WebhookResult{Kind: event.Kind, Outcome: outcome, Payment: result.Payment}, nil
}

// resolvePayment matches the event to a tracked payment, preferring the
// provider-side ID and falling back to the payment ID echoed through
// checkout metadata.
func (h *webhookHandler) resolvePayment(ctx context.Context, data *webhookData) (*models.Payment, error) {
	if data.ExternalPaymentID != "" {
		payment, err := h.paymentRepo.GetByExternalID(ctx, data.ExternalPaymentID)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve payment by external ID: %w", err)
		}
	}

	if paymentID := data.Metadata["payment_id"]; paymentID != "" {
		payment, err := h.paymentRepo.GetByPaymentID(ctx, paymentID)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve payment by payment ID: %w", err)
		}
	}

	return nil, nil
}

func (h *webhookHandler) apply(ctx context.Context, kind string, payment *models.Payment, data *webhookData) (*PaymentResult, error) {
	switch kind {
	case EventPaymentSucceeded, EventCheckoutCompleted:
		externalData := make(map[string]interface{}, len(data.Raw))
		for k, v := range data.Raw {
			externalData[k] = v
		}
		return h.tracker.CompletePayment(ctx, &CompletePaymentRequest{
			PaymentID:         payment.PaymentID,
			ExternalPaymentID: data.ExternalPaymentID,
			ExternalData:      externalData,
		})
	case EventPaymentFailed:
		reason := data.FailureReason
		if reason == "" {
			reason = "payment failed at provider"
		}
		return h.tracker.FailPayment(ctx, payment.PaymentID, reason)
	case EventPaymentCanceled:
		return h.tracker.CancelPayment(ctx, payment.PaymentID)
	default:
		return nil, fmt.Errorf("unreachable webhook kind: %s", kind)
	}
}
