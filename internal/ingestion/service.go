// Package ingestion turns provider callbacks and legacy exports into
// transaction updates.
package ingestion

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/payment"
	"github.com/ratixpay/paycore/internal/repository"
)

const (
	ProviderMpesa = "mpesa"
	ProviderEmola = "emola"

	// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
	SignatureHeader = "X-Signature"
)

var (
	ErrUnknownProvider = errors.New("unknown callback provider")
	ErrBadSignature    = errors.New("callback signature mismatch")
	ErrMalformed       = errors.New("malformed callback")
)

// Callback is a provider notification normalised to the fields the state
// machine consumes.
type Callback struct {
	Provider      string
	ExternalID    string
	PaymentStatus domain.PaymentStatus
	ProviderRef   string
	Amount        *decimal.Decimal
	Detail        string
}

// NotSettledError means the callback reports a non-final status. It is
// acknowledged without changing the transaction.
type NotSettledError struct {
	Provider string
	Status   string
}

func (e *NotSettledError) Error() string {
	return fmt.Sprintf("%s callback status %s is not final", e.Provider, e.Status)
}

// ParseCallback dispatches on the provider name.
func ParseCallback(provider string, data []byte) (Callback, error) {
	switch strings.ToLower(provider) {
	case ProviderMpesa:
		return ParseMpesaCallback(data)
	case ProviderEmola:
		return ParseEmolaCallback(data)
	default:
		return Callback{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

// VerifySignature checks a hex HMAC-SHA256 of body under secret.
func VerifySignature(secret, body []byte, signature string) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the signature VerifySignature accepts.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type StatusUpdater interface {
	UpdateStatusByExternalID(ctx context.Context, externalID string, ps domain.PaymentStatus, providerRef string) (*payment.Result, error)
}

type LegacyStore interface {
	BulkInsert(ctx context.Context, recs []repository.Record) (int, error)
}

// ImportResult is returned from a legacy import.
type ImportResult struct {
	ImportID          string `json:"import_id"`
	RowsRead          int    `json:"rows_read"`
	RecordsImported   int    `json:"records_imported"`
	DuplicatesSkipped int    `json:"duplicates_skipped"`
	Inconsistent      int    `json:"inconsistent"`
}

type Service struct {
	updater StatusUpdater
	store   LegacyStore
	secret  []byte
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires callback handling and legacy import. An empty secret
// disables signature verification.
func NewService(updater StatusUpdater, store LegacyStore, secret string, logger *slog.Logger) *Service {
	return &Service{
		updater: updater,
		store:   store,
		secret:  []byte(secret),
		logger:  logger.With(slog.String("component", "ingestion")),
		now:     time.Now,
	}
}

// HandleCallback verifies, parses and applies one provider callback. A
// non-final status returns (nil, nil).
func (s *Service) HandleCallback(ctx context.Context, provider string, body []byte, signature string) (*payment.Result, error) {
	if len(s.secret) > 0 {
		if err := VerifySignature(s.secret, body, signature); err != nil {
			s.logger.Warn("callback rejected", slog.String("provider", provider), slog.Any("error", err))
			return nil, err
		}
	}

	cb, err := ParseCallback(provider, body)
	var pending *NotSettledError
	if errors.As(err, &pending) {
		s.logger.Info("callback not final", slog.String("provider", provider), slog.String("status", pending.Status))
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, ErrUnknownProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, provider, err)
	}

	attrs := []any{
		slog.String("provider", cb.Provider),
		slog.String("external_id", cb.ExternalID),
		slog.String("payment_status", string(cb.PaymentStatus)),
		slog.String("provider_ref", cb.ProviderRef),
	}
	if cb.Amount != nil {
		attrs = append(attrs, slog.String("amount", cb.Amount.String()))
	}
	s.logger.Info("callback received", attrs...)

	return s.updater.UpdateStatusByExternalID(ctx, cb.ExternalID, cb.PaymentStatus, cb.ProviderRef)
}

// ImportLegacy parses a legacy CSV export and stores its rows verbatim.
// Re-importing the same file skips rows already present.
func (s *Service) ImportLegacy(ctx context.Context, data []byte) (*ImportResult, error) {
	hash := sha256.Sum256(data)
	importID := fmt.Sprintf("IMP-%x", hash[:6])

	records, err := ParseLegacyCSV(data, s.now())
	if err != nil {
		return nil, fmt.Errorf("parse legacy csv: %w", err)
	}

	inconsistent := 0
	for _, rec := range records {
		if !rec.Consistent {
			inconsistent++
		}
	}

	inserted, err := s.store.BulkInsert(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", importID, err)
	}

	s.logger.Info("legacy import finished",
		slog.String("import_id", importID),
		slog.Int("rows", len(records)),
		slog.Int("inserted", inserted),
		slog.Int("inconsistent", inconsistent),
	)

	return &ImportResult{
		ImportID:          importID,
		RowsRead:          len(records),
		RecordsImported:   inserted,
		DuplicatesSkipped: len(records) - inserted,
		Inconsistent:      inconsistent,
	}, nil
}
