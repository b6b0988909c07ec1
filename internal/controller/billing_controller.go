package controller

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"billing-api/internal/models"
	"billing-api/internal/service"
)

// BillingController is a thin HTTP adapter: it binds requests, delegates to
// the service and maps outcome codes onto HTTP statuses. No business rules
// live here.
type BillingController struct {
	billingService service.BillingService
}

func NewBillingController(billingService service.BillingService) *BillingController {
	return &BillingController{
		billingService: billingService,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (c *BillingController) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/balances", c.CreateBalance)
	router.GET("/balances/:userId", c.GetBalance)
	router.POST("/adjustments", c.AdjustBalance)
	router.POST("/debt/adjustments", c.AdjustDebt)
	router.GET("/debtors", c.GetDebtors)

	router.GET("/transactions/:transactionId", c.GetTransaction)
	router.GET("/users/:userId/transactions", c.GetTransactionHistory)

	router.POST("/payments", c.CreatePayment)
	router.GET("/payments/:paymentId", c.GetPayment)
	router.GET("/payments/external/:externalId", c.GetPaymentByExternalID)
	router.POST("/webhooks/payments", c.HandleProviderWebhook)
}

type CreateBalanceRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

func (c *BillingController) CreateBalance(ctx *gin.Context) {
	var req CreateBalanceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	response, err := c.billingService.CreateBalance(ctx.Request.Context(), req.UserID)
	if err != nil {
		c.internalError(ctx, "Failed to create balance", err)
		return
	}

	c.respond(ctx, http.StatusCreated, response.Code, response)
}

func (c *BillingController) GetBalance(ctx *gin.Context) {
	userID, ok := c.userIDFromPath(ctx)
	if !ok {
		return
	}

	response, err := c.billingService.GetBalance(ctx.Request.Context(), userID)
	if err != nil {
		c.internalError(ctx, "Failed to get balance", err)
		return
	}

	c.respond(ctx, http.StatusOK, response.Code, response)
}

func (c *BillingController) AdjustBalance(ctx *gin.Context) {
	var req service.AdjustBalanceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	response, err := c.billingService.AdjustBalance(ctx.Request.Context(), &req)
	if err != nil {
		c.internalError(ctx, "Failed to adjust balance", err)
		return
	}

	c.respond(ctx, http.StatusOK, response.Code, response)
}

func (c *BillingController) AdjustDebt(ctx *gin.Context) {
	var req service.AdjustDebtRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	response, err := c.billingService.AdjustDebt(ctx.Request.Context(), &req)
	if err != nil {
		c.internalError(ctx, "Failed to adjust debt", err)
		return
	}

	c.respond(ctx, http.StatusOK, response.Code, response)
}

func (c *BillingController) GetDebtors(ctx *gin.Context) {
	response, err := c.billingService.GetDebtors(ctx.Request.Context())
	if err != nil {
		c.internalError(ctx, "Failed to list debtors", err)
		return
	}

	ctx.JSON(http.StatusOK, response)
}

func (c *BillingController) GetTransaction(ctx *gin.Context) {
	transactionID := ctx.Param("transactionId")

	response, err := c.billingService.GetTransaction(ctx.Request.Context(), transactionID)
	if err != nil {
		c.internalError(ctx, "Failed to get transaction", err)
		return
	}

	c.respond(ctx, http.StatusOK, response.Code, response)
}

func (c *BillingController) GetTransactionHistory(ctx *gin.Context) {
	userID, ok := c.userIDFromPath(ctx)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(ctx.DefaultQuery("page_size", "20"))

	response, err := c.billingService.GetTransactionHistory(ctx.Request.Context(), &service.HistoryRequest{
		UserID:   userID,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		c.internalError(ctx, "Failed to get transaction history", err)
		return
	}

	c.respond(ctx, http.StatusOK, response.Code, response)
}

func (c *BillingController) CreatePayment(ctx *gin.Context) {
	var req service.CreatePaymentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	response, err := c.billingService.CreatePayment(ctx.Request.Context(), &req)
	if err != nil {
		c.internalError(ctx, "Failed to create payment", err)
		return
	}

	c.respond(ctx, http.StatusCreated, response.Code, response)
}

func (c *BillingController) GetPayment(ctx *gin.Context) {
	paymentID := ctx.Param("paymentId")

	response, err := c.billingService.GetPayment(ctx.Request.Context(), paymentID)
	if err != nil {
		c.internalError(ctx, "Failed to get payment", err)
		return
	}

	c.respond(ctx, http.StatusOK, response.Code, response)
}

func (c *BillingController) GetPaymentByExternalID(ctx *gin.Context) {
	externalID := ctx.Param("externalId")

	response, err := c.billingService.GetPaymentByExternalID(ctx.Request.Context(), externalID)
	if err != nil {
		c.internalError(ctx, "Failed to get payment", err)
		return
	}

	c.respond(ctx, http.StatusOK, response.Code, response)
}

// HandleProviderWebhook always acknowledges deliveries it could classify;
// only infrastructure failures return 5xx so the provider retries.
func (c *BillingController) HandleProviderWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to read webhook payload",
			Message: err.Error(),
		})
		return
	}

	response, err := c.billingService.HandleProviderWebhook(ctx.Request.Context(), payload)
	if err != nil {
		c.internalError(ctx, "Failed to process webhook", err)
		return
	}

	ctx.JSON(http.StatusOK, response)
}

func (c *BillingController) userIDFromPath(ctx *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(ctx.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid user ID",
			Message: "user ID must be a positive integer",
		})
		return 0, false
	}
	return userID, true
}

func (c *BillingController) respond(ctx *gin.Context, okStatus int, code models.Code, body interface{}) {
	if code == models.CodeOK {
		ctx.JSON(okStatus, body)
		return
	}
	ctx.JSON(code.HTTPStatus(), body)
}

func (c *BillingController) internalError(ctx *gin.Context, summary string, err error) {
	ctx.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   summary,
		Message: err.Error(),
	})
}
