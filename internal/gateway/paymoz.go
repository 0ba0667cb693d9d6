package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ratixpay/paycore/internal/domain"
)

// PayMozConfig configures the HTTP provider for one rail.
type PayMozConfig struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	RetryDelay time.Duration
	Client     *http.Client
}

// PayMoz talks to the PayMoz aggregator, which fronts both M-Pesa and
// e-Mola behind one API with a path per rail.
type PayMoz struct {
	method   domain.PaymentMethod
	endpoint string
	cfg      PayMozConfig
	logger   *slog.Logger
}

var payMozEndpoints = map[domain.PaymentMethod]string{
	domain.MethodMpesa: "/payment/mpesa/",
	domain.MethodEmola: "/payment/emola/",
}

func NewPayMoz(method domain.PaymentMethod, cfg PayMozConfig, logger *slog.Logger) (*PayMoz, error) {
	endpoint, ok := payMozEndpoints[method]
	if !ok {
		return nil, &UnsupportedMethodError{Method: method}
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("paymoz: base url is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PayMoz{
		method:   method,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + endpoint,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "gateway"), slog.String("provider", "paymoz-"+string(method))),
	}, nil
}

func (p *PayMoz) Name() string { return "paymoz-" + string(p.method) }

type payMozRequest struct {
	Phone  string `json:"numero_celular"`
	Amount string `json:"valor"`
}

type payMozResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Message       string `json:"message"`
}

// Charge posts the payment. 502/503/504 and transport errors are retried
// up to MaxRetries with the same Idempotency-Key so the provider collapses
// them into one charge.
func (p *PayMoz) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	body, err := json.Marshal(payMozRequest{Phone: req.Phone, Amount: req.Amount.StringFixed(2)})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
			}
			p.logger.Warn("retrying charge", slog.String("external_id", req.ExternalID), slog.Int("attempt", attempt), slog.Any("error", lastErr))
		}

		ref, retry, err := p.do(ctx, req.ExternalID, body)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (p *PayMoz) do(ctx context.Context, externalID string, body []byte) (ref string, retry bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", p.cfg.APIKey)
	httpReq.Header.Set("Idempotency-Key", externalID)

	resp, err := p.cfg.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, &Error{Code: CodeGatewayTimeout, Provider: p.Name(), Err: ctx.Err()}
		}
		return "", true, &Error{Code: CodeGatewayUnavailable, Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, &Error{Code: CodeGatewayUnavailable, Provider: p.Name(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusGatewayTimeout:
		return "", true, &Error{Code: CodeGatewayTimeout, Provider: p.Name(), Message: "upstream timeout"}
	case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable:
		return "", true, &Error{Code: CodeGatewayUnavailable, Provider: p.Name(), Message: resp.Status}
	case resp.StatusCode >= 500:
		return "", false, &Error{Code: CodeGatewayUnavailable, Provider: p.Name(), Message: resp.Status}
	case resp.StatusCode >= 400 && !isDecline(resp.StatusCode):
		// Credentials, rate limits and conflicts say nothing about the payer.
		return "", false, &Error{Code: CodeGatewayUnavailable, Provider: p.Name(), Message: resp.Status}
	}

	var out payMozResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", false, &Error{Code: CodeGatewayUnavailable, Provider: p.Name(), Message: "malformed response", Err: err}
	}

	if resp.StatusCode >= 400 {
		return "", false, &Error{Code: CodeGatewayRejected, Provider: p.Name(), Message: out.Message}
	}

	switch strings.ToLower(out.Status) {
	case "pending":
		// Accepted but unresolved; the webhook will settle it.
		return "", false, &Error{Code: CodeGatewayTimeout, Provider: p.Name(), Message: "charge pending at provider"}
	case "failed", "rejected":
		return "", false, &Error{Code: CodeGatewayRejected, Provider: p.Name(), Message: out.Message}
	}
	if !out.Success && out.Status != "success" {
		return "", false, &Error{Code: CodeGatewayRejected, Provider: p.Name(), Message: out.Message}
	}

	ref = out.TransactionID
	if ref == "" {
		ref = out.Reference
	}
	return ref, false, nil
}

// isDecline reports whether a 4xx status is the provider refusing the
// charge itself rather than the request.
func isDecline(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
