package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Codes are stable strings: clients switch on them, so never rename one.
// The HTTP status is picked per error; there is no mechanical mapping from
// code to status beyond the rough 4xx=client 5xx=server split.
var (
	ErrValidation        = Error{Code: "VALIDATION_ERROR", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("request validation failed")}
	ErrInvalidSignature  = Error{Code: "INVALID_SIGNATURE", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("forward request signature rejected")}
	ErrInvalidPayment    = Error{Code: "INVALID_PAYMENT", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("payment header could not be parsed")}
	ErrPaymentInvalid    = Error{Code: "PAYMENT_INVALID", HTTPstatus: http.StatusPaymentRequired, Err: fmt.Errorf("payment authorization rejected")}
	ErrPaymentFailed     = Error{Code: "PAYMENT_FAILED", HTTPstatus: http.StatusPaymentRequired, Err: fmt.Errorf("payment settlement failed")}
	ErrRateLimited       = Error{Code: "RATE_LIMITED", HTTPstatus: http.StatusTooManyRequests, Err: fmt.Errorf("rate limit exceeded")}
	ErrInsufficientFunds = Error{Code: "INSUFFICIENT_FUNDS", HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("relayer wallet lacks native balance")}

	ErrTxReverted  = Error{Code: "TX_REVERTED", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("transaction reverted")}
	ErrTxNonce     = Error{Code: "TX_NONCE_CONFLICT", HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("relayer nonce conflict, retry")}
	ErrTxBroadcast = Error{Code: "TX_BROADCAST_FAILED", HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("transaction broadcast failed")}

	ErrInternal = Error{Code: "INTERNAL_ERROR", HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
)
