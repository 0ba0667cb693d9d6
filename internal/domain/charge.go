package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChargeOutcome string

const (
	ChargeApproved ChargeOutcome = "approved"
	ChargeRejected ChargeOutcome = "rejected"
	ChargeFailed   ChargeOutcome = "failed"
)

// ChargeAttempt records one call to a gateway provider. Net is the
// informational settlement amount; the customer is always charged Gross.
type ChargeAttempt struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"external_id"`
	Provider    string          `json:"provider"`
	Method      PaymentMethod   `json:"method"`
	Gross       decimal.Decimal `json:"gross"`
	Fee         decimal.Decimal `json:"fee"`
	Net         decimal.Decimal `json:"net"`
	ProviderRef string          `json:"provider_ref,omitempty"`
	Outcome     ChargeOutcome   `json:"outcome"`
	ErrorCode   string          `json:"error_code,omitempty"`
	AttemptedAt time.Time       `json:"attempted_at"`
}
