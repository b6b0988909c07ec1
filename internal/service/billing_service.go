package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"billing-api/internal/cache"
	"billing-api/internal/engine"
	"billing-api/internal/models"
	"billing-api/internal/monitoring"
	"billing-api/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// BillingService is the exposed surface of the billing subsystem. Reads go
// through the cache; every write is delegated to the engines, which own the
// locking and transactional rules.
type BillingService interface {
	CreateBalance(ctx context.Context, userID int64) (*BalanceResponse, error)
	GetBalance(ctx context.Context, userID int64) (*BalanceResponse, error)
	AdjustBalance(ctx context.Context, req *AdjustBalanceRequest) (*AdjustBalanceResponse, error)
	AdjustDebt(ctx context.Context, req *AdjustDebtRequest) (*BalanceResponse, error)
	GetDebtors(ctx context.Context) (*DebtorsResponse, error)

	GetTransaction(ctx context.Context, transactionID string) (*TransactionResponse, error)
	GetTransactionHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error)

	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error)
	GetPayment(ctx context.Context, paymentID string) (*PaymentResponse, error)
	GetPaymentByExternalID(ctx context.Context, externalPaymentID string) (*PaymentResponse, error)
	HandleProviderWebhook(ctx context.Context, payload []byte) (*WebhookResponse, error)
}

type billingService struct {
	balanceRepo     repository.BalanceRepository
	transactionRepo repository.TransactionRepository
	paymentRepo     repository.PaymentRepository
	adjuster        engine.AdjustmentEngine
	tracker         engine.PaymentTracker
	webhooks        engine.WebhookHandler
	cacheService    cache.CacheService
	metrics         monitoring.MetricsService
	logger          *logrus.Logger
}

func NewBillingService(
	balanceRepo repository.BalanceRepository,
	transactionRepo repository.TransactionRepository,
	paymentRepo repository.PaymentRepository,
	adjuster engine.AdjustmentEngine,
	tracker engine.PaymentTracker,
	webhooks engine.WebhookHandler,
	cacheService cache.CacheService,
	metrics monitoring.MetricsService,
	logger *logrus.Logger,
) BillingService {
	return &billingService{
		balanceRepo:     balanceRepo,
		transactionRepo: transactionRepo,
		paymentRepo:     paymentRepo,
		adjuster:        adjuster,
		tracker:         tracker,
		webhooks:        webhooks,
		cacheService:    cacheService,
		metrics:         metrics,
		logger:          logger,
	}
}

// Request/Response types

type BalanceResponse struct {
	Code         models.Code     `json:"code"`
	Balance      *models.Balance `json:"balance,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type AdjustBalanceRequest struct {
	UserID   int64                    `json:"user_id" binding:"required,gt=0"`
	Amount   decimal.Decimal          `json:"amount" binding:"required,positive"`
	Type     models.TransactionType   `json:"type" binding:"required,oneof=deposit withdrawal"`
	Source   models.TransactionSource `json:"source" binding:"required,oneof=manual payment visit debt"`
	SourceID string                   `json:"source_id,omitempty"`
	Comment  string                   `json:"comment,omitempty"`
}

type AdjustBalanceResponse struct {
	Code         models.Code         `json:"code"`
	Transaction  *models.Transaction `json:"transaction,omitempty"`
	Balance      *models.Balance     `json:"balance,omitempty"`
	Duplicate    bool                `json:"duplicate,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

type AdjustDebtRequest struct {
	UserID  int64           `json:"user_id" binding:"required,gt=0"`
	Delta   decimal.Decimal `json:"delta" binding:"required"`
	Comment string          `json:"comment,omitempty"`
}

type DebtorsResponse struct {
	Code         models.Code       `json:"code"`
	Debtors      []*models.Balance `json:"debtors"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

type TransactionResponse struct {
	Code         models.Code         `json:"code"`
	Transaction  *models.Transaction `json:"transaction,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

type HistoryRequest struct {
	UserID   int64 `json:"user_id"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

type HistoryResponse struct {
	Code         models.Code           `json:"code"`
	Transactions []*models.Transaction `json:"transactions"`
	Total        int64                 `json:"total"`
	Page         int                   `json:"page"`
	PageSize     int                   `json:"page_size"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

type CreatePaymentRequest struct {
	UserID        int64           `json:"user_id" binding:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount" binding:"required,positive"`
	PaymentMethod string          `json:"payment_method" binding:"required"`
}

type PaymentResponse struct {
	Code         models.Code     `json:"code"`
	Payment      *models.Payment `json:"payment,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type WebhookResponse struct {
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
}

func (s *billingService) CreateBalance(ctx context.Context, userID int64) (*BalanceResponse, error) {
	if userID <= 0 {
		return &BalanceResponse{Code: models.CodeInvalidArgument, ErrorMessage: "invalid user ID"}, nil
	}

	balance := models.NewBalance(userID)
	if err := s.balanceRepo.Create(ctx, balance); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return &BalanceResponse{
				Code:         models.CodeBalanceAlreadyExists,
				ErrorMessage: fmt.Sprintf("balance for user %d already exists", userID),
			}, nil
		}
		return nil, err
	}

	return &BalanceResponse{Code: models.CodeOK, Balance: balance}, nil
}

func (s *billingService) GetBalance(ctx context.Context, userID int64) (*BalanceResponse, error) {
	if userID <= 0 {
		return &BalanceResponse{Code: models.CodeInvalidArgument, ErrorMessage: "invalid user ID"}, nil
	}

	if cached, err := s.cacheService.GetBalance(ctx, userID); err == nil {
		s.metrics.RecordCacheLookup("balance", true)
		return &BalanceResponse{Code: models.CodeOK, Balance: cached}, nil
	}
	s.metrics.RecordCacheLookup("balance", false)

	balance, err := s.balanceRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &BalanceResponse{
				Code:         models.CodeBalanceNotFound,
				ErrorMessage: fmt.Sprintf("no balance for user %d", userID),
			}, nil
		}
		return nil, err
	}

	if err := s.cacheService.SetBalance(ctx, balance); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to cache balance")
	}

	return &BalanceResponse{Code: models.CodeOK, Balance: balance}, nil
}

func (s *billingService) AdjustBalance(ctx context.Context, req *AdjustBalanceRequest) (*AdjustBalanceResponse, error) {
	result, err := s.adjuster.Adjust(ctx, &models.TransactionRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Type:     req.Type,
		Source:   req.Source,
		SourceID: req.SourceID,
		Comment:  req.Comment,
	})
	if err != nil {
		return nil, err
	}

	return &AdjustBalanceResponse{
		Code:         result.Code,
		Transaction:  result.Transaction,
		Balance:      result.Balance,
		Duplicate:    result.Duplicate,
		ErrorMessage: result.ErrorMessage,
	}, nil
}

func (s *billingService) AdjustDebt(ctx context.Context, req *AdjustDebtRequest) (*BalanceResponse, error) {
	result, err := s.adjuster.AdjustDebt(ctx, &engine.DebtAdjustmentRequest{
		UserID:  req.UserID,
		Delta:   req.Delta,
		Comment: req.Comment,
	})
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Code:         result.Code,
		Balance:      result.Balance,
		ErrorMessage: result.ErrorMessage,
	}, nil
}

func (s *billingService) GetDebtors(ctx context.Context) (*DebtorsResponse, error) {
	if cached, err := s.cacheService.GetDebtors(ctx); err == nil {
		s.metrics.RecordCacheLookup("debtors", true)
		return &DebtorsResponse{Code: models.CodeOK, Debtors: cached}, nil
	}
	s.metrics.RecordCacheLookup("debtors", false)

	debtors, err := s.balanceRepo.ListDebtors(ctx)
	if err != nil {
		return nil, err
	}
	if debtors == nil {
		debtors = []*models.Balance{}
	}

	if err := s.cacheService.SetDebtors(ctx, debtors); err != nil {
		s.logger.WithError(err).Warn("Failed to cache debtors list")
	}

	return &DebtorsResponse{Code: models.CodeOK, Debtors: debtors}, nil
}

func (s *billingService) GetTransaction(ctx context.Context, transactionID string) (*TransactionResponse, error) {
	if transactionID == "" {
		return &TransactionResponse{Code: models.CodeInvalidArgument, ErrorMessage: "transaction ID is required"}, nil
	}

	transaction, err := s.transactionRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &TransactionResponse{
				Code:         models.CodeTransactionNotFound,
				ErrorMessage: fmt.Sprintf("transaction %s not found", transactionID),
			}, nil
		}
		return nil, err
	}

	return &TransactionResponse{Code: models.CodeOK, Transaction: transaction}, nil
}

func (s *billingService) GetTransactionHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if req.UserID <= 0 {
		return &HistoryResponse{Code: models.CodeInvalidArgument, ErrorMessage: "invalid user ID"}, nil
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		return &HistoryResponse{
			Code:         models.CodeInvalidArgument,
			ErrorMessage: fmt.Sprintf("page size must not exceed %d", maxPageSize),
		}, nil
	}

	if cached, err := s.cacheService.GetHistoryPage(ctx, req.UserID, req.Page, req.PageSize); err == nil {
		s.metrics.RecordCacheLookup("history", true)
		return &HistoryResponse{
			Code:         models.CodeOK,
			Transactions: cached.Transactions,
			Total:        cached.Total,
			Page:         req.Page,
			PageSize:     req.PageSize,
		}, nil
	}
	s.metrics.RecordCacheLookup("history", false)

	transactions, total, err := s.transactionRepo.ListByUser(ctx, req.UserID, req.Page, req.PageSize)
	if err != nil {
		return nil, err
	}
	if transactions == nil {
		transactions = []*models.Transaction{}
	}

	page := &cache.HistoryPage{Transactions: transactions, Total: total}
	if err := s.cacheService.SetHistoryPage(ctx, req.UserID, req.Page, req.PageSize, page); err != nil {
		s.logger.WithError(err).WithField("user_id", req.UserID).Warn("Failed to cache history page")
	}

	return &HistoryResponse{
		Code:         models.CodeOK,
		Transactions: transactions,
		Total:        total,
		Page:         req.Page,
		PageSize:     req.PageSize,
	}, nil
}

func (s *billingService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error) {
	result, err := s.tracker.CreatePayment(ctx, &engine.PaymentRequest{
		UserID:        req.UserID,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}

	return &PaymentResponse{
		Code:         result.Code,
		Payment:      result.Payment,
		ErrorMessage: result.ErrorMessage,
	}, nil
}

func (s *billingService) GetPayment(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	if paymentID == "" {
		return &PaymentResponse{Code: models.CodeInvalidArgument, ErrorMessage: "payment ID is required"}, nil
	}

	if cached, err := s.cacheService.GetPayment(ctx, paymentID); err == nil {
		s.metrics.RecordCacheLookup("payment", true)
		return &PaymentResponse{Code: models.CodeOK, Payment: cached}, nil
	}
	s.metrics.RecordCacheLookup("payment", false)

	payment, err := s.paymentRepo.GetByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &PaymentResponse{
				Code:         models.CodePaymentNotFound,
				ErrorMessage: fmt.Sprintf("payment %s not found", paymentID),
			}, nil
		}
		return nil, err
	}

	if err := s.cacheService.SetPayment(ctx, payment); err != nil {
		s.logger.WithError(err).WithField("payment_id", paymentID).Warn("Failed to cache payment")
	}

	return &PaymentResponse{Code: models.CodeOK, Payment: payment}, nil
}

func (s *billingService) GetPaymentByExternalID(ctx context.Context, externalPaymentID string) (*PaymentResponse, error) {
	if externalPaymentID == "" {
		return &PaymentResponse{Code: models.CodeInvalidArgument, ErrorMessage: "external payment ID is required"}, nil
	}

	payment, err := s.paymentRepo.GetByExternalID(ctx, externalPaymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &PaymentResponse{
				Code:         models.CodePaymentNotFound,
				ErrorMessage: fmt.Sprintf("no payment with external ID %s", externalPaymentID),
			}, nil
		}
		return nil, err
	}

	return &PaymentResponse{Code: models.CodeOK, Payment: payment}, nil
}

func (s *billingService) HandleProviderWebhook(ctx context.Context, payload []byte) (*WebhookResponse, error) {
	result, err := s.webhooks.HandleEvent(ctx, payload)
	if err != nil {
		return nil, err
	}
	return &WebhookResponse{Kind: result.Kind, Outcome: result.Outcome}, nil
}
