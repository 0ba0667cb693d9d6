package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/validation"
)

// mpesaCallback is the M-Pesa result notification body.
type mpesaCallback struct {
	ThirdPartyReference string  `json:"output_ThirdPartyReference"`
	TransactionID       string  `json:"output_TransactionID"`
	ConversationID      string  `json:"output_ConversationID"`
	ResponseCode        string  `json:"output_ResponseCode"`
	ResponseDesc        string  `json:"output_ResponseDesc"`
	Amount              float64 `json:"output_Amount"`
}

// M-Pesa result codes that settle a transaction. Anything else that is
// not listed in mpesaTransient is a decline.
var mpesaSettled = map[string]domain.PaymentStatus{
	"INS-0": domain.PaymentApproved,
	"INS-5": domain.PaymentCancelled,
}

var mpesaTransient = map[string]bool{
	"INS-9":  true, // request timeout
	"INS-10": true, // duplicate transaction
}

// ParseMpesaCallback parses an M-Pesa result notification.
func ParseMpesaCallback(data []byte) (Callback, error) {
	var body mpesaCallback
	if err := json.Unmarshal(data, &body); err != nil {
		return Callback{}, fmt.Errorf("unmarshal: %w", err)
	}

	externalID := strings.TrimSpace(body.ThirdPartyReference)
	if externalID == "" {
		return Callback{}, fmt.Errorf("missing output_ThirdPartyReference")
	}
	code := strings.ToUpper(strings.TrimSpace(body.ResponseCode))
	if code == "" {
		return Callback{}, fmt.Errorf("missing output_ResponseCode")
	}
	if mpesaTransient[code] {
		return Callback{}, &NotSettledError{Provider: ProviderMpesa, Status: code}
	}

	status, ok := mpesaSettled[code]
	if !ok {
		status = domain.PaymentRejected
	}

	cb := Callback{
		Provider:      ProviderMpesa,
		ExternalID:    externalID,
		PaymentStatus: status,
		ProviderRef:   strings.TrimSpace(body.TransactionID),
		Detail:        strings.TrimSpace(code + " " + body.ResponseDesc),
	}
	if body.Amount != 0 {
		amount, err := validation.AmountFromFloat(body.Amount)
		if err != nil {
			return Callback{}, fmt.Errorf("output_Amount: %w", err)
		}
		cb.Amount = &amount
	}
	return cb, nil
}
