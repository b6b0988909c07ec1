package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"billing-api/internal/cache"
	"billing-api/internal/external"
	"billing-api/internal/models"
	"billing-api/internal/monitoring"
	"billing-api/internal/repository"
)

// PaymentTracker drives the payment state machine. Payments are created
// pending and move exactly once into completed, failed or cancelled;
// completion is the only transition that touches the ledger.
type PaymentTracker interface {
	CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error)
	CompletePayment(ctx context.Context, req *CompletePaymentRequest) (*PaymentResult, error)
	FailPayment(ctx context.Context, paymentID, reason string) (*PaymentResult, error)
	CancelPayment(ctx context.Context, paymentID string) (*PaymentResult, error)
}

type paymentTracker struct {
	paymentRepo repository.PaymentRepository
	balanceRepo repository.BalanceRepository
	adjuster    AdjustmentEngine
	lockManager repository.UserLockManager
	cacheService cache.CacheService
	publisher   external.EventPublisher
	metrics     monitoring.MetricsService
	logger      *logrus.Logger
}

func NewPaymentTracker(
	paymentRepo repository.PaymentRepository,
	balanceRepo repository.BalanceRepository,
	adjuster AdjustmentEngine,
	lockManager repository.UserLockManager,
	cacheService cache.CacheService,
	publisher external.EventPublisher,
	metrics monitoring.MetricsService,
	logger *logrus.Logger,
) PaymentTracker {
	return &paymentTracker{
		paymentRepo:  paymentRepo,
		balanceRepo:  balanceRepo,
		adjuster:     adjuster,
		lockManager:  lockManager,
		cacheService: cacheService,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger,
	}
}

type PaymentRequest struct {
	UserID        int64           `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
}

type CompletePaymentRequest struct {
	PaymentID         string                 `json:"payment_id"`
	ExternalPaymentID string                 `json:"external_payment_id,omitempty"`
	ExternalData      map[string]interface{} `json:"external_data,omitempty"`
}

// PaymentResult reports the outcome of a payment operation. AlreadyFinal is
// set when the payment had already reached a terminal state and the call was
// a no-op.
type PaymentResult struct {
	Code         models.Code     `json:"code"`
	Payment      *models.Payment `json:"payment,omitempty"`
	AlreadyFinal bool            `json:"already_final,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func (t *paymentTracker) CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	if req.UserID <= 0 {
		return &PaymentResult{Code: models.CodeInvalidArgument, ErrorMessage: "invalid user ID"}, nil
	}
	if !req.Amount.IsPositive() {
		return &PaymentResult{Code: models.CodeInvalidArgument, ErrorMessage: "amount must be positive"}, nil
	}

	payment := models.NewPayment(req.UserID, req.Amount, req.PaymentMethod)
	if err := t.paymentRepo.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	t.metrics.RecordPaymentTransition(string(models.PaymentPending))
	t.publishPaymentEvent(ctx, payment)

	return &PaymentResult{Code: models.CodeOK, Payment: payment}, nil
}

func (t *paymentTracker) CompletePayment(ctx context.Context, req *CompletePaymentRequest) (*PaymentResult, error) {
	return t.transition(ctx, req.PaymentID, func(ctx context.Context, payment *models.Payment) error {
		payment.SetExternalID(req.ExternalPaymentID)
		if len(req.ExternalData) > 0 {
			payment.ExternalData = req.ExternalData
		}
		// Persist the external reference before crediting, so a crash
		// between the two leaves the payment findable by provider ID.
		if err := t.paymentRepo.Update(ctx, payment); err != nil {
			return fmt.Errorf("failed to record external payment ID: %w", err)
		}

		transactionID, err := t.creditPayment(ctx, payment)
		if err != nil {
			return err
		}

		payment.MarkCompleted(transactionID)
		return nil
	})
}

func (t *paymentTracker) FailPayment(ctx context.Context, paymentID, reason string) (*PaymentResult, error) {
	return t.transition(ctx, paymentID, func(ctx context.Context, payment *models.Payment) error {
		payment.MarkFailed(reason)
		return nil
	})
}

func (t *paymentTracker) CancelPayment(ctx context.Context, paymentID string) (*PaymentResult, error) {
	return t.transition(ctx, paymentID, func(ctx context.Context, payment *models.Payment) error {
		payment.MarkCancelled()
		return nil
	})
}

// transition loads the payment under its lock, applies fn and persists the
// result. Terminal payments are returned unchanged, which makes provider
// redeliveries safe no-ops.
func (t *paymentTracker) transition(
	ctx context.Context,
	paymentID string,
	fn func(ctx context.Context, payment *models.Payment) error,
) (*PaymentResult, error) {
	paymentLock, err := t.lockManager.LockPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire payment lock: %w", err)
	}
	defer t.lockManager.Release(ctx, paymentLock)

	payment, err := t.paymentRepo.GetByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &PaymentResult{
				Code:         models.CodePaymentNotFound,
				ErrorMessage: fmt.Sprintf("payment %s not found", paymentID),
			}, nil
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	if payment.IsTerminal() {
		t.logger.WithFields(logrus.Fields{
			"payment_id": payment.PaymentID,
			"status":     payment.Status,
		}).Info("Ignoring transition for terminal payment")
		return &PaymentResult{Code: models.CodeOK, Payment: payment, AlreadyFinal: true}, nil
	}

	if err := fn(ctx, payment); err != nil {
		return nil, err
	}

	if err := t.paymentRepo.Update(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	if err := t.cacheService.InvalidatePayment(ctx, payment.PaymentID); err != nil {
		t.logger.WithError(err).WithField("payment_id", payment.PaymentID).
			Warn("Failed to invalidate payment cache")
	}

	t.metrics.RecordPaymentTransition(string(payment.Status))
	t.publishPaymentEvent(ctx, payment)

	return &PaymentResult{Code: models.CodeOK, Payment: payment}, nil
}

// creditPayment records the deposit for a confirmed payment and returns the
// ledger entry ID. The payment ID doubles as the idempotency key, so a
// repeated completion that slipped past the status check still credits once.
func (t *paymentTracker) creditPayment(ctx context.Context, payment *models.Payment) (string, error) {
	req := &models.TransactionRequest{
		UserID:   payment.UserID,
		Amount:   payment.Amount,
		Type:     models.TypeDeposit,
		Source:   models.SourcePayment,
		SourceID: payment.PaymentID,
		Comment:  fmt.Sprintf("Payment %s via %s", payment.PaymentID, payment.PaymentMethod),
	}

	result, err := t.adjuster.Adjust(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to credit payment: %w", err)
	}

	// First payment of a new user: provision the balance and retry once.
	if result.Code == models.CodeBalanceNotFound {
		if err := t.balanceRepo.Create(ctx, models.NewBalance(payment.UserID)); err != nil &&
			!errors.Is(err, repository.ErrAlreadyExists) {
			return "", fmt.Errorf("failed to provision balance for user %d: %w", payment.UserID, err)
		}
		if result, err = t.adjuster.Adjust(ctx, req); err != nil {
			return "", fmt.Errorf("failed to credit payment: %w", err)
		}
	}

	switch result.Code {
	case models.CodeOK:
		return result.Transaction.TransactionID, nil
	case models.CodeDuplicateTransaction:
		// Credited by an earlier delivery; link the existing entry.
		return result.Transaction.TransactionID, nil
	default:
		return "", fmt.Errorf("payment credit rejected: %s (%s)", result.Code, result.ErrorMessage)
	}
}

func (t *paymentTracker) publishPaymentEvent(ctx context.Context, payment *models.Payment) {
	event := &external.PaymentEvent{
		EventID:    uuid.NewString(),
		PaymentID:  payment.PaymentID,
		UserID:     payment.UserID,
		Amount:     payment.Amount.String(),
		Status:     string(payment.Status),
		OccurredAt: payment.CreatedAt,
	}
	if payment.ExternalPaymentID != nil {
		event.ExternalPaymentID = *payment.ExternalPaymentID
	}
	if payment.TransactionID != nil {
		event.TransactionID = *payment.TransactionID
	}
	if err := t.publisher.PublishPaymentEvent(ctx, event); err != nil {
		t.logger.WithError(err).WithField("payment_id", payment.PaymentID).
			Warn("Failed to publish payment event")
	}
}
