package models

import "net/http"

// Code classifies the outcome of a billing operation. Business outcomes
// (conflicts, not-found) are returned as codes on result structs;
// infrastructure failures are the only class returned as Go errors.
type Code string

const (
	CodeOK                   Code = "ok"
	CodeInvalidArgument      Code = "invalid_argument"
	CodeBalanceNotFound      Code = "balance_not_found"
	CodeBalanceAlreadyExists Code = "balance_already_exists"
	CodeInsufficientFunds    Code = "insufficient_funds"
	CodeDuplicateTransaction Code = "duplicate_transaction"
	CodeTransactionNotFound  Code = "transaction_not_found"
	CodePaymentNotFound      Code = "payment_not_found"
	CodePersistenceFailed    Code = "persistence_failed"
)

// HTTPStatus maps an outcome code onto the HTTP status used by the thin
// endpoint layer.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidArgument, CodeInsufficientFunds:
		return http.StatusBadRequest
	case CodeBalanceNotFound, CodeTransactionNotFound, CodePaymentNotFound:
		return http.StatusNotFound
	case CodeBalanceAlreadyExists, CodeDuplicateTransaction:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
