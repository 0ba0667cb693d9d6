// Package gateway charges customers through mobile-money providers.
//
// An Adapter owns one Provider per payment method, chosen once when the
// adapter is built. Each Adapter.Charge call makes at most one
// externally visible charge attempt; providers that retry do so with the
// transaction's external id as the idempotency key.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/validation"
)

type ChargeRequest struct {
	ExternalID string
	Method     domain.PaymentMethod
	Phone      string
	Amount     decimal.Decimal
}

// ChargeResult describes one charge. ApprovedAmount is the net settlement
// after the provider fee; the customer is always charged the full amount.
type ChargeResult struct {
	Success        bool
	Provider       string
	ApprovedAmount decimal.Decimal
	Fee            decimal.Decimal
	ProviderRef    string
	ErrorCode      ErrorCode
}

// Provider is one concrete mobile-money backend. Charge returns the
// provider's reference on approval and an *Error otherwise.
type Provider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (providerRef string, err error)
}

// DefaultFeeRates are the per-rail processing fees.
func DefaultFeeRates() map[domain.PaymentMethod]decimal.Decimal {
	return map[domain.PaymentMethod]decimal.Decimal{
		domain.MethodMpesa: decimal.RequireFromString("0.03"),
		domain.MethodEmola: decimal.RequireFromString("0.025"),
	}
}

type Adapter struct {
	providers map[domain.PaymentMethod]Provider
	feeRates  map[domain.PaymentMethod]decimal.Decimal
	timeout   time.Duration
}

// NewAdapter binds every known payment method to a provider. A method
// without a provider is a configuration error.
func NewAdapter(providers map[domain.PaymentMethod]Provider, feeRates map[domain.PaymentMethod]decimal.Decimal, timeout time.Duration) (*Adapter, error) {
	if feeRates == nil {
		feeRates = DefaultFeeRates()
	}
	bound := make(map[domain.PaymentMethod]Provider, len(providers))
	for _, m := range domain.PaymentMethods {
		p, ok := providers[m]
		if !ok || p == nil {
			return nil, fmt.Errorf("no provider configured for %s", m)
		}
		if _, ok := feeRates[m]; !ok {
			return nil, fmt.Errorf("no fee rate configured for %s", m)
		}
		bound[m] = p
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{providers: bound, feeRates: feeRates, timeout: timeout}, nil
}

// Supports reports whether method has a bound provider.
func (a *Adapter) Supports(method domain.PaymentMethod) bool {
	_, ok := a.providers[method]
	return ok
}

// Fee is amount times the method's fee rate, rounded to cents.
func (a *Adapter) Fee(method domain.PaymentMethod, amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(a.feeRates[method]).Round(2)
}

// Charge validates the request, then makes a single provider call bounded
// by the adapter timeout. Deadline expiry maps to CodeGatewayTimeout.
func (a *Adapter) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	p, ok := a.providers[req.Method]
	if !ok {
		return ChargeResult{ErrorCode: CodeInvalidMethod}, &UnsupportedMethodError{Method: req.Method}
	}
	res := ChargeResult{Provider: p.Name()}

	phone, ok := validation.NormalizePhone(req.Phone)
	if !ok {
		res.ErrorCode = CodeInvalidPhone
		return res, &Error{Code: CodeInvalidPhone, Provider: p.Name(), Message: "phone number is not a valid mobile number"}
	}
	if !validation.ValidateAmount(req.Amount) {
		res.ErrorCode = CodeInvalidAmount
		return res, &Error{Code: CodeInvalidAmount, Provider: p.Name(), Message: "amount out of range"}
	}
	req.Phone = phone

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ref, err := p.Charge(ctx, req)
	if err != nil {
		gerr := classify(p.Name(), err)
		res.ErrorCode = gerr.Code
		return res, gerr
	}

	res.Success = true
	res.ProviderRef = ref
	res.Fee = a.Fee(req.Method, req.Amount)
	res.ApprovedAmount = req.Amount.Sub(res.Fee)
	return res, nil
}

func classify(provider string, err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeGatewayTimeout, Provider: provider, Err: err}
	}
	return &Error{Code: CodeGatewayUnavailable, Provider: provider, Err: err}
}
