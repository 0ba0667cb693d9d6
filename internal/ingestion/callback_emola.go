package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
)

type emolaCallback struct {
	Reference     string              `json:"reference"`
	TransactionID string              `json:"transaction_id"`
	Status        string              `json:"status"`
	Message       string              `json:"message"`
	Amount        decimal.NullDecimal `json:"amount"`
}

// ParseEmolaCallback parses an e-Mola payment notification. The amount may
// arrive as a number or a string.
func ParseEmolaCallback(data []byte) (Callback, error) {
	var body emolaCallback
	if err := json.Unmarshal(data, &body); err != nil {
		return Callback{}, fmt.Errorf("unmarshal: %w", err)
	}

	externalID := strings.TrimSpace(body.Reference)
	if externalID == "" {
		return Callback{}, fmt.Errorf("missing reference")
	}

	var status domain.PaymentStatus
	switch s := strings.ToUpper(strings.TrimSpace(body.Status)); s {
	case "SUCCESS", "SUCCESSFUL", "COMPLETED":
		status = domain.PaymentApproved
	case "FAILED", "DECLINED", "REJECTED", "INSUFFICIENT_FUNDS":
		status = domain.PaymentRejected
	case "CANCELLED", "CANCELED":
		status = domain.PaymentCancelled
	case "PENDING", "PROCESSING":
		return Callback{}, &NotSettledError{Provider: ProviderEmola, Status: s}
	default:
		return Callback{}, fmt.Errorf("unknown status %q", body.Status)
	}

	cb := Callback{
		Provider:      ProviderEmola,
		ExternalID:    externalID,
		PaymentStatus: status,
		ProviderRef:   strings.TrimSpace(body.TransactionID),
		Detail:        strings.TrimSpace(body.Message),
	}
	if body.Amount.Valid {
		amount := body.Amount.Decimal
		cb.Amount = &amount
	}
	return cb, nil
}
