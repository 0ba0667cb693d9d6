package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoHandler(t *testing.T, want string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if want != "" && string(body) != want {
			t.Errorf("handler saw body %q, want %q", body, want)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, target, body, remote string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInspect(t *testing.T) {
	hits := map[string]string{
		"1' OR '1'='1":                        AlertSQLInjection,
		"x UNION SELECT password FROM users":  AlertSQLInjection,
		"; DROP TABLE transactions":           AlertSQLInjection,
		`<script>alert(1)</script>`:           AlertXSS,
		`<img src=x onerror=alert(1)>`:        AlertXSS,
		"JavaScript:alert(1)":                 AlertXSS,
		"/files/../../etc/passwd":             AlertPathTraversal,
		`..\windows\win.ini`:                  AlertPathTraversal,
	}
	for in, want := range hits {
		got, ok := Inspect(in)
		if !ok || got != want {
			t.Errorf("Inspect(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}

	clean := []string{
		`{"phone":"841234567","amount":100,"product_ref":"P1"}`,
		"Av. Samora Machel, Maputo",
		"please update my order",
		"admin",
		"condition:online",
		"select a plan",
	}
	for _, in := range clean {
		if alert, ok := Inspect(in); ok {
			t.Errorf("Inspect(%q) flagged %s", in, alert)
		}
	}
}

func TestGuardPassesCleanRequestWithBodyIntact(t *testing.T) {
	d, _, _ := newTestDetector(DefaultConfig())
	g := NewGuard(d, GuardConfig{MaxInspect: 8}, testLogger())
	body := `{"phone":"841234567","amount":100}`

	rec := serve(g.Middleware(echoHandler(t, body)), http.MethodPost, "/api/v1/payments", body, "10.0.0.1:5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestGuardRejectsMaliciousRequests(t *testing.T) {
	d, _, alerts := newTestDetector(DefaultConfig())
	g := NewGuard(d, GuardConfig{}, testLogger())
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("malicious request reached the handler")
	})

	cases := []struct {
		method, target, body string
	}{
		{http.MethodGet, "/api/v1/transactions/x/status?q=1'%20OR%20'1'='1", ""},
		{http.MethodPost, "/api/v1/payments", `{"customer_name":"<script>alert(1)</script>"}`},
		{http.MethodGet, "/static/..%2F..%2Fetc/passwd", ""},
	}
	for _, tc := range cases {
		rec := serve(g.Middleware(next), tc.method, tc.target, tc.body, "10.0.0.9:1234")
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want 403", tc.method, tc.target, rec.Code)
		}
	}

	r := d.Report()
	if len(r.Suspicious) != 1 || r.Suspicious[0].ClientKey != "10.0.0.9" || r.Suspicious[0].Count != 3 {
		t.Fatalf("suspicious = %+v", r.Suspicious)
	}
	if !strings.Contains(alerts.String(), AlertSuspicious) {
		t.Error("three hits did not raise a suspicious-activity alert")
	}
}

func TestInspectCatchesBareKeywordAttacks(t *testing.T) {
	for _, in := range []string{
		"union select",
		"q:union select",
		"UNION ALL SELECT",
		"1 union/**/select 2",
		"union\tall\nselect",
		"select * from users",
		"drop table x",
		"' or 1=1",
	} {
		if got, ok := Inspect(in); !ok || got != AlertSQLInjection {
			t.Errorf("Inspect(%q) = %q, %v; want %s", in, got, ok, AlertSQLInjection)
		}
	}

	d, _, _ := newTestDetector(DefaultConfig())
	g := NewGuard(d, GuardConfig{}, testLogger())
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("query attack reached the handler")
	})
	for _, target := range []string{
		"/api/v1/products?q=union%20select",
		"/api/v1/products?q=union+all+select",
		"/api/v1/products?q=UNION%2F**%2FSELECT",
	} {
		if rec := serve(g.Middleware(next), http.MethodGet, target, "", "10.0.0.21:1234"); rec.Code != http.StatusForbidden {
			t.Errorf("GET %s: status = %d, want 403", target, rec.Code)
		}
	}
}

func TestGuardRefusesBlockedClientFirst(t *testing.T) {
	d, events, _ := newTestDetector(DefaultConfig())
	g := NewGuard(d, GuardConfig{}, testLogger())
	d.Block("10.0.0.5", "manual")

	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	rec := serve(g.Middleware(next), http.MethodGet, "/health", "", "10.0.0.5:80")

	if rec.Code != http.StatusForbidden || called {
		t.Fatalf("status = %d, handler called = %v", rec.Code, called)
	}
	if !strings.Contains(rec.Body.String(), "client_blocked") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if !strings.Contains(events.String(), AuditBlockedRequest) {
		t.Error("refused request not audited")
	}
	if len(d.Report().Suspicious) != 0 {
		t.Error("blocked request was inspected")
	}
}

func TestGuardCountsBruteForcePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.BruteForce = 3
	d, _, _ := newTestDetector(cfg)
	g := NewGuard(d, GuardConfig{BruteForcePaths: []string{"/api/v1/auth/login"}}, testLogger())
	h := g.Middleware(echoHandler(t, ""))

	for i := 0; i < 3; i++ {
		if rec := serve(h, http.MethodPost, "/api/v1/auth/login", "", "10.0.0.7:1"); rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status %d", i+1, rec.Code)
		}
	}
	if rec := serve(h, http.MethodPost, "/api/v1/auth/login", "", "10.0.0.7:1"); rec.Code != http.StatusForbidden {
		t.Fatalf("attempt after block: status %d, want 403", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/health", "", "10.0.0.8:1"); rec.Code != http.StatusOK {
		t.Fatalf("other client refused: %d", rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	if got := ClientKey(r); got != "2001:db8::1" {
		t.Fatalf("ClientKey = %q", got)
	}
	r.RemoteAddr = "203.0.113.4"
	if got := ClientKey(r); got != "203.0.113.4" {
		t.Fatalf("ClientKey without port = %q", got)
	}
}
