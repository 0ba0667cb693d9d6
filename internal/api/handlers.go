package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/gateway"
	"github.com/ratixpay/paycore/internal/ingestion"
	"github.com/ratixpay/paycore/internal/payment"
	"github.com/ratixpay/paycore/internal/reconciliation"
	"github.com/ratixpay/paycore/internal/repository"
	"github.com/ratixpay/paycore/internal/security"
	"github.com/ratixpay/paycore/internal/validation"
)

// maxBody bounds every JSON or webhook body the API reads.
const maxBody = 1 << 20

type Payments interface {
	Submit(ctx context.Context, req payment.SubmitRequest) (*payment.Result, error)
	GetTransactionStatus(ctx context.Context, externalID string) (*payment.Result, error)
	Cancel(ctx context.Context, externalID string) (*payment.Result, error)
	MarkDelivered(ctx context.Context, externalID, by string) (*payment.Result, error)
}

type Callbacks interface {
	HandleCallback(ctx context.Context, provider string, body []byte, signature string) (*payment.Result, error)
}

type Reconciler interface {
	RunFullReconciliation(ctx context.Context) (*reconciliation.ReconciliationResult, error)
}

type Reviews interface {
	List(ctx context.Context, f repository.ReviewFilter) ([]domain.ReviewItem, int, error)
	Resolve(ctx context.Context, id, by string, at time.Time) error
}

// Monitor is the abuse detector as seen by the admin endpoints.
type Monitor interface {
	Report() security.Report
	Block(clientKey, reason string)
	Unblock(clientKey, by string) bool
	IsBlocked(clientKey string) (bool, string)
	RecordLogin(clientKey, username string, success bool) int
}

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	payments   Payments
	callbacks  Callbacks
	reconciler Reconciler
	reviews    Reviews
	monitor    Monitor
	logger     *slog.Logger
	now        func() time.Time
}

type Deps struct {
	Payments   Payments
	Callbacks  Callbacks
	Reconciler Reconciler
	Reviews    Reviews
	Monitor    Monitor
}

func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	return &Handlers{
		payments:   deps.Payments,
		callbacks:  deps.Callbacks,
		reconciler: deps.Reconciler,
		reviews:    deps.Reviews,
		monitor:    deps.Monitor,
		logger:     logger.With(slog.String("component", "api")),
		now:        time.Now,
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encode response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &validation.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// writeServiceError maps service errors to status codes. Gateway detail is
// logged, never returned. A non-nil res is included in the body so callers
// learn the recorded state alongside the failure.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, res *payment.Result, err error) {
	body := map[string]any{}
	if res != nil {
		body["transaction"] = res
	}
	status := http.StatusInternalServerError
	msg := "internal error"

	var (
		verr     *validation.ValidationError
		unsup    *gateway.UnsupportedMethodError
		gerr     *gateway.Error
		conflict *domain.ConflictError
		blocked  *security.BlockedClientError
	)
	switch {
	case errors.As(err, &verr):
		status, msg = http.StatusBadRequest, verr.Error()
		body["field"] = verr.Field
	case errors.As(err, &unsup):
		status, msg = http.StatusBadRequest, unsup.Error()
		body["code"] = string(unsup.Code())
	case errors.As(err, &blocked):
		status, msg = http.StatusForbidden, "access denied"
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.As(err, &conflict):
		status, msg = http.StatusConflict, conflict.Error()
	case errors.Is(err, payment.ErrChargeInFlight), errors.Is(err, payment.ErrResubmitLimit),
		errors.Is(err, repository.ErrAlreadyResolved), errors.Is(err, reconciliation.ErrRunInProgress):
		status, msg = http.StatusConflict, err.Error()
	case errors.As(err, &gerr):
		body["code"] = string(gerr.Code)
		body["retryable"] = gerr.Retryable()
		switch gerr.Code {
		case gateway.CodeGatewayTimeout:
			status, msg = http.StatusGatewayTimeout, "payment gateway did not answer in time"
		case gateway.CodeGatewayRejected:
			status, msg = http.StatusPaymentRequired, "payment was rejected"
		default:
			status, msg = http.StatusBadGateway, "payment gateway unavailable"
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, msg = http.StatusGatewayTimeout, "request ended before the payment completed"
		body["retryable"] = true
	case errors.Is(err, ingestion.ErrBadSignature):
		status, msg = http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, ingestion.ErrUnknownProvider):
		status, msg = http.StatusNotFound, "unknown provider"
	case errors.Is(err, ingestion.ErrMalformed):
		status, msg = http.StatusBadRequest, "malformed callback"
	}

	if status >= 500 {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	body["error"] = msg
	writeJSON(w, status, body)
}

// --- health ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": h.now().UTC()})
}

// --- payments ---

func (h *Handlers) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, nil, err)
		return
	}
	req.ClientKey = security.ClientKey(r)
	req.ClientIP = req.ClientKey
	req.UserAgent = r.UserAgent()

	res, err := h.payments.Submit(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) GetTransactionStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.payments.GetTransactionStatus(r.Context(), chi.URLParam(r, "externalId"))
	if err != nil {
		h.writeServiceError(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	res, err := h.payments.Cancel(r.Context(), chi.URLParam(r, "externalId"))
	if err != nil {
		h.writeServiceError(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- webhooks ---

func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	res, err := h.callbacks.HandleCallback(r.Context(), chi.URLParam(r, "provider"), body, r.Header.Get(ingestion.SignatureHeader))
	if err != nil {
		h.writeServiceError(w, r, res, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "not_final"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- admin ---

func (h *Handlers) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.RunFullReconciliation(r.Context())
	if err != nil {
		h.writeServiceError(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ReviewFilter{
		Kind:       q.Get("kind"),
		Severity:   q.Get("severity"),
		ExternalID: q.Get("external_id"),
		OpenOnly:   q.Get("open") != "false",
		Page:       parseIntDefault(q.Get("page"), 1),
		Limit:      parseIntDefault(q.Get("limit"), 50),
	}

	items, total, err := h.reviews.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, nil, err)
		return
	}
	if items == nil {
		items = []domain.ReviewItem{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reviews": items,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

type operatorRequest struct {
	By string `json:"by"`
}

func (h *Handlers) ResolveReview(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, nil, err)
		return
	}
	if req.By == "" {
		h.writeServiceError(w, r, nil, &validation.ValidationError{Field: "by", Message: "is required"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.reviews.Resolve(r.Context(), id, req.By, h.now()); err != nil {
		h.writeServiceError(w, r, nil, err)
		return
	}
	h.logger.Info("review resolved", slog.String("review_id", id), slog.String("by", req.By))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

func (h *Handlers) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeServiceError(w, r, nil, err)
			return
		}
	}
	res, err := h.payments.MarkDelivered(r.Context(), chi.URLParam(r, "externalId"), req.By)
	if err != nil {
		h.writeServiceError(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) SecurityReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Report())
}

type blockRequest struct {
	ClientKey string `json:"client_key"`
	Reason    string `json:"reason"`
}

func (h *Handlers) BlockClient(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, nil, err)
		return
	}
	if req.ClientKey == "" {
		h.writeServiceError(w, r, nil, &validation.ValidationError{Field: "client_key", Message: "is required"})
		return
	}
	if req.Reason == "" {
		req.Reason = "blocked by operator"
	}
	h.monitor.Block(req.ClientKey, req.Reason)
	writeJSON(w, http.StatusCreated, map[string]string{"client_key": req.ClientKey, "status": "blocked"})
}

func (h *Handlers) UnblockClient(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "clientKey")
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "admin"
	}
	if !h.monitor.Unblock(key, by) {
		writeError(w, http.StatusNotFound, "client is not blocked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_key": key, "status": "unblocked"})
}

type loginAttemptRequest struct {
	ClientKey string `json:"client_key"`
	Username  string `json:"username"`
	Success   bool   `json:"success"`
}

// RecordLoginAttempt lets the storefront's auth service report login
// outcomes so failed logins count toward a block.
func (h *Handlers) RecordLoginAttempt(w http.ResponseWriter, r *http.Request) {
	var req loginAttemptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, nil, err)
		return
	}
	if req.ClientKey == "" {
		req.ClientKey = security.ClientKey(r)
	}
	failures := h.monitor.RecordLogin(req.ClientKey, req.Username, req.Success)
	blocked, _ := h.monitor.IsBlocked(req.ClientKey)
	writeJSON(w, http.StatusOK, map[string]any{
		"client_key": req.ClientKey,
		"failures":   failures,
		"blocked":    blocked,
	})
}
