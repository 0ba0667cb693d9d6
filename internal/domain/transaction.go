package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodMpesa PaymentMethod = "mpesa"
	MethodEmola PaymentMethod = "emola"
)

// PaymentMethods lists every supported mobile-money rail.
var PaymentMethods = []PaymentMethod{MethodMpesa, MethodEmola}

// ParsePaymentMethod accepts the spellings used by checkout forms
// ("M-Pesa", "Mpesa", "e-Mola", ...) and returns the canonical method.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "")
	norm = strings.ReplaceAll(norm, " ", "")
	for _, m := range PaymentMethods {
		if string(m) == norm {
			return m, true
		}
	}
	return "", false
}

// Customer holds the counterparty fields. Device and Browser are derived
// from the User-Agent header and are informational only.
type Customer struct {
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	Country   string `json:"country,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Device    string `json:"device,omitempty"`
	Browser   string `json:"browser,omitempty"`
}

type Transaction struct {
	ID               string
	ExternalID       string
	ReferenceID      string
	ProductRef       string
	Amount           decimal.Decimal
	OriginalAmount   decimal.Decimal
	DiscountPercent  decimal.Decimal
	CouponCode       string
	Customer         Customer
	Method           PaymentMethod
	State            State
	GatewayName      string
	GatewayReference string
	Fee              decimal.Decimal
	Attempts         int
	ProcessedAt      *time.Time
	CreatedAt        time.Time
	DeliveredAt      *time.Time
	Notes            string
}

func (t *Transaction) PaymentStatus() PaymentStatus { return t.State.PaymentStatus() }

func (t *Transaction) Status() OrderStatus { return t.State.OrderStatus() }

// AppendNote adds a line to the audit notes. Existing notes are never rewritten.
func (t *Transaction) AppendNote(note string) {
	if t.Notes == "" {
		t.Notes = note
		return
	}
	t.Notes = t.Notes + "\n" + note
}

type transactionJSON struct {
	ID               string          `json:"id"`
	ExternalID       string          `json:"external_id"`
	ReferenceID      string          `json:"reference_id,omitempty"`
	ProductRef       string          `json:"product_ref"`
	Amount           decimal.Decimal `json:"amount"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	DiscountPercent  decimal.Decimal `json:"discount_percent"`
	CouponCode       string          `json:"coupon_code,omitempty"`
	Customer         Customer        `json:"customer"`
	Method           PaymentMethod   `json:"payment_method"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	Status           OrderStatus     `json:"status"`
	GatewayName      string          `json:"gateway_name,omitempty"`
	GatewayReference string          `json:"gateway_reference,omitempty"`
	Fee              decimal.Decimal `json:"fee"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	Notes            string          `json:"notes,omitempty"`
}

// MarshalJSON emits the legacy two-field status shape derived from State.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		ID:               t.ID,
		ExternalID:       t.ExternalID,
		ReferenceID:      t.ReferenceID,
		ProductRef:       t.ProductRef,
		Amount:           t.Amount,
		OriginalAmount:   t.OriginalAmount,
		DiscountPercent:  t.DiscountPercent,
		CouponCode:       t.CouponCode,
		Customer:         t.Customer,
		Method:           t.Method,
		PaymentStatus:    t.State.PaymentStatus(),
		Status:           t.State.OrderStatus(),
		GatewayName:      t.GatewayName,
		GatewayReference: t.GatewayReference,
		Fee:              t.Fee,
		ProcessedAt:      t.ProcessedAt,
		CreatedAt:        t.CreatedAt,
		DeliveredAt:      t.DeliveredAt,
		Notes:            t.Notes,
	})
}

// DetectDevice classifies a User-Agent into device and browser families.
func DetectDevice(userAgent string) (device, browser string) {
	ua := strings.ToLower(userAgent)

	device = "Desktop"
	switch {
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		device = "Mobile"
	case strings.Contains(ua, "tablet"), strings.Contains(ua, "ipad"):
		device = "Tablet"
	}

	browser = "Other"
	switch {
	case strings.Contains(ua, "edg"):
		browser = "Edge"
	case strings.Contains(ua, "chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	}
	return device, browser
}

// ConflictError reports a data-integrity anomaly: a terminal transition that
// disagrees with the terminal state already recorded. It is never auto-resolved.
type ConflictError struct {
	ExternalID string
	Current    State
	Requested  State
	Reason     string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict on %s: %s", e.ExternalID, e.Reason)
	}
	return fmt.Sprintf("conflict on %s: recorded %s, requested %s", e.ExternalID, e.Current, e.Requested)
}
