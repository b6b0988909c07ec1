package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"billing-api/internal/cache"
	"billing-api/internal/external"
	"billing-api/internal/models"
	"billing-api/internal/monitoring"
	"billing-api/internal/repository"
)

// AdjustmentEngine is the only writer of balances and ledger entries. Every
// movement goes through Adjust, which serializes per user and commits the
// ledger entry and the balance update in one transaction.
type AdjustmentEngine interface {
	Adjust(ctx context.Context, req *models.TransactionRequest) (*AdjustmentResult, error)
	AdjustDebt(ctx context.Context, req *DebtAdjustmentRequest) (*DebtAdjustmentResult, error)
}

type adjustmentEngine struct {
	balanceRepo     repository.BalanceRepository
	transactionRepo repository.TransactionRepository
	lockManager     repository.UserLockManager
	txRunner        repository.TxRunner
	cacheService    cache.CacheService
	publisher       external.EventPublisher
	metrics         monitoring.MetricsService
	logger          *logrus.Logger
}

func NewAdjustmentEngine(
	balanceRepo repository.BalanceRepository,
	transactionRepo repository.TransactionRepository,
	lockManager repository.UserLockManager,
	txRunner repository.TxRunner,
	cacheService cache.CacheService,
	publisher external.EventPublisher,
	metrics monitoring.MetricsService,
	logger *logrus.Logger,
) AdjustmentEngine {
	return &adjustmentEngine{
		balanceRepo:     balanceRepo,
		transactionRepo: transactionRepo,
		lockManager:     lockManager,
		txRunner:        txRunner,
		cacheService:    cacheService,
		publisher:       publisher,
		metrics:         metrics,
		logger:          logger,
	}
}

// AdjustmentResult reports the outcome of one balance movement. On
// CodeDuplicateTransaction, Transaction is the previously recorded entry for
// the same (source, source_id).
type AdjustmentResult struct {
	Code         models.Code         `json:"code"`
	Transaction  *models.Transaction `json:"transaction,omitempty"`
	Balance      *models.Balance     `json:"balance,omitempty"`
	Duplicate    bool                `json:"duplicate,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// DebtAdjustmentRequest changes the independently tracked debt of a user.
// Debt movements do not touch the spendable balance and produce no ledger
// entry.
type DebtAdjustmentRequest struct {
	UserID  int64           `json:"user_id"`
	Delta   decimal.Decimal `json:"delta"`
	Comment string          `json:"comment,omitempty"`
}

type DebtAdjustmentResult struct {
	Code         models.Code     `json:"code"`
	Balance      *models.Balance `json:"balance,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func (e *adjustmentEngine) Adjust(ctx context.Context, req *models.TransactionRequest) (*AdjustmentResult, error) {
	start := time.Now()
	result, err := e.adjust(ctx, req)
	if err == nil {
		e.metrics.RecordAdjustment(string(req.Type), string(result.Code), time.Since(start))
	}
	return result, err
}

func (e *adjustmentEngine) adjust(ctx context.Context, req *models.TransactionRequest) (*AdjustmentResult, error) {
	if code, msg := validateAdjustment(req); code != models.CodeOK {
		return &AdjustmentResult{Code: code, ErrorMessage: msg}, nil
	}

	// Cheap pre-check; the partial unique index on (source, source_id) is
	// what actually enforces once-only under races.
	if req.SourceID != "" {
		existing, err := e.transactionRepo.GetBySource(ctx, req.Source, req.SourceID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("duplicate check failed: %w", err)
		}
		if existing != nil {
			return &AdjustmentResult{
				Code:        models.CodeDuplicateTransaction,
				Transaction: existing,
				Duplicate:   true,
			}, nil
		}
	}

	userLock, err := e.lockManager.LockUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire user lock: %w", err)
	}
	defer e.lockManager.Release(ctx, userLock)

	balance, err := e.balanceRepo.GetByUserID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &AdjustmentResult{
				Code:         models.CodeBalanceNotFound,
				ErrorMessage: fmt.Sprintf("no balance for user %d", req.UserID),
			}, nil
		}
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}

	if err := balance.Apply(req.Amount, req.Type); err != nil {
		return &AdjustmentResult{
			Code:         models.CodeInsufficientFunds,
			Balance:      balance,
			ErrorMessage: err.Error(),
		}, nil
	}

	transaction := models.NewTransaction(req, balance.CurrentBalance)
	if err := transaction.Validate(); err != nil {
		return &AdjustmentResult{Code: models.CodeInvalidArgument, ErrorMessage: err.Error()}, nil
	}

	err = e.txRunner.RunInTransaction(ctx, func(txCtx context.Context) error {
		if err := e.transactionRepo.Create(txCtx, transaction); err != nil {
			return err
		}
		return e.balanceRepo.Update(txCtx, balance)
	})
	if err != nil {
		// A concurrent writer can still win the (source, source_id) race
		// between the pre-check and the insert.
		if errors.Is(err, repository.ErrDuplicateSource) && req.SourceID != "" {
			existing, lookupErr := e.transactionRepo.GetBySource(ctx, req.Source, req.SourceID)
			if lookupErr != nil {
				return nil, fmt.Errorf("duplicate source lookup failed: %w", lookupErr)
			}
			return &AdjustmentResult{
				Code:        models.CodeDuplicateTransaction,
				Transaction: existing,
				Duplicate:   true,
			}, nil
		}
		return nil, fmt.Errorf("adjustment commit failed: %w", err)
	}

	e.invalidateUserCaches(ctx, req.UserID)
	e.publishTransactionEvent(ctx, transaction)

	return &AdjustmentResult{
		Code:        models.CodeOK,
		Transaction: transaction,
		Balance:     balance,
	}, nil
}

func (e *adjustmentEngine) AdjustDebt(ctx context.Context, req *DebtAdjustmentRequest) (*DebtAdjustmentResult, error) {
	if req.UserID <= 0 {
		return &DebtAdjustmentResult{
			Code:         models.CodeInvalidArgument,
			ErrorMessage: "invalid user ID",
		}, nil
	}
	if req.Delta.IsZero() {
		return &DebtAdjustmentResult{
			Code:         models.CodeInvalidArgument,
			ErrorMessage: "debt delta must be non-zero",
		}, nil
	}

	userLock, err := e.lockManager.LockUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire user lock: %w", err)
	}
	defer e.lockManager.Release(ctx, userLock)

	balance, err := e.balanceRepo.GetByUserID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &DebtAdjustmentResult{
				Code:         models.CodeBalanceNotFound,
				ErrorMessage: fmt.Sprintf("no balance for user %d", req.UserID),
			}, nil
		}
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}

	if err := balance.ApplyDebtDelta(req.Delta); err != nil {
		return &DebtAdjustmentResult{
			Code:         models.CodeInvalidArgument,
			Balance:      balance,
			ErrorMessage: err.Error(),
		}, nil
	}

	if err := e.balanceRepo.Update(ctx, balance); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	e.invalidateUserCaches(ctx, req.UserID)

	return &DebtAdjustmentResult{
		Code:    models.CodeOK,
		Balance: balance,
	}, nil
}

func validateAdjustment(req *models.TransactionRequest) (models.Code, string) {
	if req.UserID <= 0 {
		return models.CodeInvalidArgument, "invalid user ID"
	}
	if !req.Amount.IsPositive() {
		return models.CodeInvalidArgument, "amount must be positive"
	}
	if req.Type != models.TypeDeposit && req.Type != models.TypeWithdrawal {
		return models.CodeInvalidArgument, fmt.Sprintf("invalid transaction type: %s", req.Type)
	}
	switch req.Source {
	case models.SourceManual, models.SourcePayment, models.SourceVisit, models.SourceDebt:
	default:
		return models.CodeInvalidArgument, fmt.Sprintf("invalid transaction source: %s", req.Source)
	}
	return models.CodeOK, ""
}

// invalidateUserCaches drops the cached balance, every cached history page
// and the debtors list before the adjustment returns, so readers never see
// pre-adjustment state after a successful write.
func (e *adjustmentEngine) invalidateUserCaches(ctx context.Context, userID int64) {
	if err := e.cacheService.InvalidateBalance(ctx, userID); err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Warn("Failed to invalidate balance cache")
	}
	if err := e.cacheService.InvalidateHistory(ctx, userID); err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Warn("Failed to invalidate history cache")
	}
	if err := e.cacheService.InvalidateDebtors(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to invalidate debtors cache")
	}
}

func (e *adjustmentEngine) publishTransactionEvent(ctx context.Context, txn *models.Transaction) {
	event := &external.TransactionEvent{
		EventID:       uuid.NewString(),
		TransactionID: txn.TransactionID,
		UserID:        txn.UserID,
		Amount:        txn.Amount.String(),
		Type:          string(txn.Type),
		Source:        string(txn.Source),
		BalanceAfter:  txn.BalanceAfter.String(),
		OccurredAt:    txn.CreatedAt,
	}
	if err := e.publisher.PublishTransactionEvent(ctx, event); err != nil {
		e.logger.WithError(err).WithField("transaction_id", txn.TransactionID).
			Warn("Failed to publish transaction event")
	}
}
