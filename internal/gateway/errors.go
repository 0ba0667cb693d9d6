package gateway

import (
	"fmt"

	"github.com/ratixpay/paycore/internal/domain"
)

type ErrorCode string

const (
	CodeInvalidMethod      ErrorCode = "INVALID_METHOD"
	CodeInvalidPhone       ErrorCode = "INVALID_PHONE"
	CodeInvalidAmount      ErrorCode = "INVALID_AMOUNT"
	CodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"
	CodeGatewayRejected    ErrorCode = "GATEWAY_REJECTED"
	CodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"
)

// Retryable reports whether a caller may resubmit with the same external id.
// Invalid* codes are caller bugs and a rejection is final.
func (c ErrorCode) Retryable() bool {
	return c == CodeGatewayTimeout || c == CodeGatewayUnavailable
}

// Error is a failed charge. Message may contain provider detail and must
// not be shown to end users.
type Error struct {
	Code     ErrorCode
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Code.Retryable() }

// UnsupportedMethodError is returned before any provider is contacted when
// the method is not one of the configured rails.
type UnsupportedMethodError struct {
	Method domain.PaymentMethod
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported payment method %q", string(e.Method))
}

func (e *UnsupportedMethodError) Code() ErrorCode { return CodeInvalidMethod }
