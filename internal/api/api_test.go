package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/gateway"
	"github.com/ratixpay/paycore/internal/ingestion"
	"github.com/ratixpay/paycore/internal/payment"
	"github.com/ratixpay/paycore/internal/reconciliation"
	"github.com/ratixpay/paycore/internal/repository"
	"github.com/ratixpay/paycore/internal/security"
	"github.com/ratixpay/paycore/internal/validation"
)

const adminToken = "t0ken"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPayments struct {
	submitFn func(payment.SubmitRequest) (*payment.Result, error)
	last     payment.SubmitRequest
}

func (s *stubPayments) Submit(_ context.Context, req payment.SubmitRequest) (*payment.Result, error) {
	s.last = req
	return s.submitFn(req)
}

func (s *stubPayments) GetTransactionStatus(_ context.Context, id string) (*payment.Result, error) {
	if id != "RTX@KNOWN" {
		return nil, domain.ErrNotFound
	}
	return &payment.Result{TransactionID: id, PaymentStatus: domain.PaymentPending, Status: domain.OrderAwaitingPayment}, nil
}

func (s *stubPayments) Cancel(_ context.Context, id string) (*payment.Result, error) {
	res := &payment.Result{TransactionID: id, PaymentStatus: domain.PaymentApproved, Status: domain.OrderPaid}
	return res, &domain.ConflictError{ExternalID: id, Current: domain.StatePaid, Requested: domain.StateCancelled}
}

func (s *stubPayments) MarkDelivered(_ context.Context, id, by string) (*payment.Result, error) {
	return &payment.Result{TransactionID: id, PaymentStatus: domain.PaymentApproved, Status: domain.OrderDelivered}, nil
}

type stubCallbacks struct{}

func (stubCallbacks) HandleCallback(_ context.Context, provider string, body []byte, sig string) (*payment.Result, error) {
	switch {
	case sig == "":
		return nil, ingestion.ErrBadSignature
	case strings.Contains(string(body), "PENDING"):
		return nil, nil
	}
	return &payment.Result{TransactionID: "RTX@CB", PaymentStatus: domain.PaymentApproved}, nil
}

type stubReconciler struct{ err error }

func (s stubReconciler) RunFullReconciliation(context.Context) (*reconciliation.ReconciliationResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &reconciliation.ReconciliationResult{Scanned: 4, Corrected: 1}, nil
}

type stubReviews struct {
	resolved []string
}

func (s *stubReviews) List(_ context.Context, f repository.ReviewFilter) ([]domain.ReviewItem, int, error) {
	return []domain.ReviewItem{{ID: "REV-X", Kind: domain.ReviewTerminalConflict, Severity: domain.SeverityHigh}}, 1, nil
}

func (s *stubReviews) Resolve(_ context.Context, id, by string, _ time.Time) error {
	if id == "REV-DONE" {
		return repository.ErrAlreadyResolved
	}
	s.resolved = append(s.resolved, id+"/"+by)
	return nil
}

type fixture struct {
	router   http.Handler
	payments *stubPayments
	reviews  *stubReviews
	detector *security.Detector
}

func newFixture(t *testing.T, cfg RouterConfig) *fixture {
	t.Helper()
	detector := security.NewDetector(security.DefaultConfig(), security.DiscardAudit(), testLogger())
	guard := security.NewGuard(detector, security.GuardConfig{
		BruteForcePaths: []string{"/api/v1/admin/security/login-attempts"},
	}, testLogger())

	f := &fixture{
		payments: &stubPayments{submitFn: func(req payment.SubmitRequest) (*payment.Result, error) {
			return &payment.Result{TransactionID: "RTX@NEW", PaymentStatus: domain.PaymentApproved, Status: domain.OrderPaid, Amount: req.Amount}, nil
		}},
		reviews:  &stubReviews{},
		detector: detector,
	}
	h := NewHandlers(Deps{
		Payments:   f.payments,
		Callbacks:  stubCallbacks{},
		Reconciler: stubReconciler{},
		Reviews:    f.reviews,
		Monitor:    detector,
	}, testLogger())
	if cfg.AdminToken == "" {
		cfg.AdminToken = adminToken
	}
	f.router = NewRouter(h, guard, cfg, testLogger())
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

const checkout = `{"payment_method":"mpesa","phone":"841234567","amount":100,"product_ref":"P1"}`

func TestSubmitPayment(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	rec := f.do(http.MethodPost, "/api/v1/payments", checkout, "User-Agent", "test-agent")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["transaction_id"] != "RTX@NEW" || body["payment_status"] != "approved" {
		t.Fatalf("unexpected body: %v", body)
	}
	if f.payments.last.ClientKey != "192.0.2.1" || f.payments.last.UserAgent != "test-agent" {
		t.Fatalf("client context not filled: %+v", f.payments.last)
	}
	if !f.payments.last.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("amount: %s", f.payments.last.Amount)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestSubmitPaymentErrorMapping(t *testing.T) {
	pending := &payment.Result{TransactionID: "RTX@P", PaymentStatus: domain.PaymentPending}
	cases := []struct {
		name   string
		res    *payment.Result
		err    error
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{"validation", nil, &validation.ValidationError{Field: "phone", Message: "bad"}, http.StatusBadRequest,
			func(t *testing.T, b map[string]any) {
				if b["field"] != "phone" {
					t.Errorf("field: %v", b["field"])
				}
			}},
		{"unsupported method", nil, &gateway.UnsupportedMethodError{Method: "visa"}, http.StatusBadRequest, nil},
		{"timeout", pending, &gateway.Error{Code: gateway.CodeGatewayTimeout, Message: "provider detail"}, http.StatusGatewayTimeout,
			func(t *testing.T, b map[string]any) {
				if b["retryable"] != true || b["transaction"] == nil {
					t.Errorf("timeout body: %v", b)
				}
				if strings.Contains(b["error"].(string), "provider detail") {
					t.Error("gateway detail leaked to the caller")
				}
			}},
		{"unavailable", pending, &gateway.Error{Code: gateway.CodeGatewayUnavailable}, http.StatusBadGateway, nil},
		{"rejected", nil, &gateway.Error{Code: gateway.CodeGatewayRejected}, http.StatusPaymentRequired,
			func(t *testing.T, b map[string]any) {
				if b["retryable"] != false {
					t.Errorf("rejection must not be retryable: %v", b)
				}
			}},
		{"in flight", pending, payment.ErrChargeInFlight, http.StatusConflict, nil},
		{"resubmit limit", pending, payment.ErrResubmitLimit, http.StatusConflict, nil},
		{"caller gone", pending, context.Canceled, http.StatusGatewayTimeout, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, RouterConfig{})
			f.payments.submitFn = func(payment.SubmitRequest) (*payment.Result, error) { return tc.res, tc.err }

			rec := f.do(http.MethodPost, "/api/v1/payments", checkout)
			if rec.Code != tc.status {
				t.Fatalf("status: want %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if tc.check != nil {
				tc.check(t, decodeBody(t, rec))
			}
		})
	}
}

func TestSubmitPaymentRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	rec := f.do(http.MethodPost, "/api/v1/payments", `{"payment_method":"mpesa","status":"approved"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestTransactionEndpoints(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	if rec := f.do(http.MethodGet, "/api/v1/transactions/RTX@KNOWN/status", ""); rec.Code != http.StatusOK {
		t.Fatalf("known status: %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/transactions/RTX@NOPE/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown status: %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/api/v1/transactions/RTX@KNOWN/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel after approval: %d", rec.Code)
	}
	if tx, _ := decodeBody(t, rec)["transaction"].(map[string]any); tx["payment_status"] != "approved" {
		t.Fatalf("conflict should carry the recorded state: %s", rec.Body.String())
	}
}

func TestWebhook(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	if rec := f.do(http.MethodPost, "/api/v1/webhooks/emola", `{"status":"SUCCESS"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned: %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/api/v1/webhooks/emola", `{"status":"PENDING"}`, ingestion.SignatureHeader, "sig")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("pending: %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/api/v1/webhooks/emola", `{"status":"SUCCESS"}`, ingestion.SignatureHeader, "sig")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["transaction_id"] != "RTX@CB" {
		t.Fatalf("settled: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	if rec := f.do(http.MethodGet, "/api/v1/admin/security/report", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/admin/security/report", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	rec := f.do(http.MethodGet, "/api/v1/admin/security/report", "", "Authorization", "Bearer "+adminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d", rec.Code)
	}
	report := decodeBody(t, rec)
	counters, _ := report["counters"].([]any)
	if len(counters) != 1 {
		t.Fatalf("failed admin logins should be counted: %v", report["counters"])
	}
}

func TestAdminGuessingEndsInBlock(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	for i := 0; i < security.DefaultThresholds().FailedLogins; i++ {
		f.do(http.MethodGet, "/api/v1/admin/reviews", "", "Authorization", "Bearer guess")
	}
	rec := f.do(http.MethodGet, "/api/v1/admin/reviews", "", "Authorization", "Bearer "+adminToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked client reached the handler: %d", rec.Code)
	}
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	auth := []string{"Authorization", "Bearer " + adminToken}

	rec := f.do(http.MethodPost, "/api/v1/admin/reconciliation", "", auth...)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["scanned"] == nil {
		t.Fatalf("reconciliation: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/v1/admin/reviews?severity=HIGH", "", auth...)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["total"] != float64(1) {
		t.Fatalf("reviews: %d %s", rec.Code, rec.Body.String())
	}

	if rec = f.do(http.MethodPost, "/api/v1/admin/reviews/REV-X/resolve", `{"by":"ops"}`, auth...); rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d", rec.Code)
	}
	if rec = f.do(http.MethodPost, "/api/v1/admin/reviews/REV-DONE/resolve", `{"by":"ops"}`, auth...); rec.Code != http.StatusConflict {
		t.Fatalf("resolve twice: %d", rec.Code)
	}
	if rec = f.do(http.MethodPost, "/api/v1/admin/reviews/REV-X/resolve", `{}`, auth...); rec.Code != http.StatusBadRequest {
		t.Fatalf("resolve without operator: %d", rec.Code)
	}
	if len(f.reviews.resolved) != 1 || f.reviews.resolved[0] != "REV-X/ops" {
		t.Fatalf("resolved: %v", f.reviews.resolved)
	}

	if rec = f.do(http.MethodPost, "/api/v1/admin/transactions/RTX@KNOWN/deliver", "", auth...); rec.Code != http.StatusOK {
		t.Fatalf("deliver: %d", rec.Code)
	}
}

func TestAdminBlockAndUnblock(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	auth := []string{"Authorization", "Bearer " + adminToken}

	rec := f.do(http.MethodPost, "/api/v1/admin/security/blocks", `{"client_key":"203.0.113.9","reason":"chargebacks"}`, auth...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("block: %d", rec.Code)
	}
	if blocked, reason := f.detector.IsBlocked("203.0.113.9"); !blocked || reason != "chargebacks" {
		t.Fatalf("not blocked: %v %q", blocked, reason)
	}
	if rec = f.do(http.MethodDelete, "/api/v1/admin/security/blocks/203.0.113.9", "", auth...); rec.Code != http.StatusOK {
		t.Fatalf("unblock: %d", rec.Code)
	}
	if rec = f.do(http.MethodDelete, "/api/v1/admin/security/blocks/203.0.113.9", "", auth...); rec.Code != http.StatusNotFound {
		t.Fatalf("unblock twice: %d", rec.Code)
	}
}

func TestLoginAttemptsReported(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	auth := []string{"Authorization", "Bearer " + adminToken}

	var body map[string]any
	for i := 0; i < 10; i++ {
		rec := f.do(http.MethodPost, "/api/v1/admin/security/login-attempts",
			`{"client_key":"198.51.100.7","username":"ana","success":false}`, auth...)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: %d", i, rec.Code)
		}
		body = decodeBody(t, rec)
	}
	if body["blocked"] != true || body["failures"] != float64(10) {
		t.Fatalf("tenth failure should block: %v", body)
	}
}

func TestGuardRejectsAttackPatterns(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	rec := f.do(http.MethodGet, "/api/v1/transactions/RTX@KNOWN/status?q=1%27%20OR%20%271%27%3D%271", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("sql injection: %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/api/v1/payments", `{"payment_method":"<script>alert(1)</script>"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("xss: %d", rec.Code)
	}
	if report := f.detector.Report(); report.Summary.SuspiciousClients != 1 {
		t.Fatalf("suspicious clients: %+v", report.Summary)
	}
}

func TestPaymentRateLimit(t *testing.T) {
	f := newFixture(t, RouterConfig{PaymentLimit: 2, PaymentWindow: time.Hour})

	for i := 0; i < 2; i++ {
		if rec := f.do(http.MethodPost, "/api/v1/payments", checkout); rec.Code != http.StatusCreated {
			t.Fatalf("attempt %d: %d", i, rec.Code)
		}
	}
	if rec := f.do(http.MethodPost, "/api/v1/payments", checkout); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt: %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/transactions/RTX@KNOWN/status", ""); rec.Code != http.StatusOK {
		t.Fatalf("status reads share the general limit only: %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	if rec := f.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	rec := f.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "paycore_http_requests_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}
