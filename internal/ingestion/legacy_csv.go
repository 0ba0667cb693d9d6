package ingestion

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ratixpay/paycore/internal/currency"
	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/repository"
)

// Columns a legacy export must carry. The rest are optional.
var legacyRequired = []string{"amount", "payment_status", "status"}

// ParseLegacyCSV parses an export of the old sales table. Rows are kept as
// they were: status pairs may disagree, external ids may be missing or
// malformed, and processed_at may be absent. Reconciliation heals them
// after import.
//
// Columns are matched by header name:
//
//	id,external_id,product_ref,amount,original_amount,discount_percent,coupon_code,
//	customer_name,customer_email,customer_phone,payment_method,payment_status,status,
//	gateway_name,gateway_reference,processed_at,created_at,delivered_at,notes
func ParseLegacyCSV(data []byte, now time.Time) ([]repository.Record, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range legacyRequired {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var records []repository.Record
	lineNum := 1
	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		if strings.Join(row, "") == "" {
			continue
		}

		rec, err := legacyRecord(get, now)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func legacyRecord(get func(string) string, now time.Time) (repository.Record, error) {
	var rec repository.Record
	tx := &rec.Transaction

	tx.ID = get("id")
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.ExternalID = get("external_id")
	tx.ProductRef = get("product_ref")
	tx.CouponCode = get("coupon_code")
	tx.Customer = domain.Customer{
		Name:  get("customer_name"),
		Email: get("customer_email"),
		Phone: get("customer_phone"),
	}
	if m, ok := domain.ParsePaymentMethod(get("payment_method")); ok {
		tx.Method = m
	} else {
		tx.Method = domain.PaymentMethod(strings.ToLower(get("payment_method")))
	}
	tx.GatewayName = get("gateway_name")
	tx.GatewayReference = get("gateway_reference")
	tx.Notes = get("notes")

	var err error
	if tx.Amount, err = currency.ParseAmount(get("amount")); err != nil {
		return rec, fmt.Errorf("amount: %w", err)
	}
	tx.OriginalAmount = tx.Amount
	if s := get("original_amount"); s != "" {
		if tx.OriginalAmount, err = currency.ParseAmount(s); err != nil {
			return rec, fmt.Errorf("original_amount: %w", err)
		}
	}
	if s := get("discount_percent"); s != "" {
		if tx.DiscountPercent, err = currency.ParseAmount(s); err != nil {
			return rec, fmt.Errorf("discount_percent: %w", err)
		}
	}

	if tx.CreatedAt, err = parseLegacyTime(get("created_at")); err != nil {
		return rec, fmt.Errorf("created_at: %w", err)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.ProcessedAt, err = parseLegacyNullableTime(get("processed_at")); err != nil {
		return rec, fmt.Errorf("processed_at: %w", err)
	}
	if tx.DeliveredAt, err = parseLegacyNullableTime(get("delivered_at")); err != nil {
		return rec, fmt.Errorf("delivered_at: %w", err)
	}

	rec.StoredPaymentStatus = legacyPaymentStatus(get("payment_status"))
	rec.StoredStatus = legacyOrderStatus(get("status"))
	tx.State, rec.Consistent = domain.StateFromColumns(rec.StoredPaymentStatus, rec.StoredStatus)
	return rec, nil
}

// Older exports carry the Portuguese labels shown in the admin panel.
var (
	legacyPaymentLabels = map[string]domain.PaymentStatus{
		"pendente":  domain.PaymentPending,
		"aprovado":  domain.PaymentApproved,
		"rejeitado": domain.PaymentRejected,
		"cancelado": domain.PaymentCancelled,
	}
	legacyOrderLabels = map[string]domain.OrderStatus{
		"aguardando pagamento": domain.OrderAwaitingPayment,
		"aguardando_pagamento": domain.OrderAwaitingPayment,
		"pago":                 domain.OrderPaid,
		"entregue":             domain.OrderDelivered,
		"cancelado":            domain.OrderCancelled,
		"reembolsado":          domain.OrderRefunded,
	}
)

// legacyPaymentStatus maps a label to its enum. Unknown labels are kept
// lowercased so reconciliation can flag them.
func legacyPaymentStatus(s string) domain.PaymentStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	if ps, ok := legacyPaymentLabels[s]; ok {
		return ps
	}
	return domain.PaymentStatus(s)
}

func legacyOrderStatus(s string) domain.OrderStatus {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	if os, ok := legacyOrderLabels[s]; ok {
		return os
	}
	return domain.OrderStatus(s)
}

var legacyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

func parseLegacyTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	// Some exports carry epoch milliseconds.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func parseLegacyNullableTime(s string) (*time.Time, error) {
	t, err := parseLegacyTime(s)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}
