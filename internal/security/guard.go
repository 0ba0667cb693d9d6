package security

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
)

type pattern struct {
	alert string
	re    *regexp.Regexp
}

// Matched against path, query and body. Keyword patterns require a
// statement shape so plain words such as "update" or "admin" pass.
var patterns = []pattern{
	{AlertSQLInjection, regexp.MustCompile(`(?i)(\bunion\b(\s|/\*[^*]*\*/)+(all(\s|/\*[^*]*\*/)+)?select\b|\bselect\b[^;]{0,120}?\bfrom\b|\binsert\s+into\b|\bupdate\b\s+\w+\s+\bset\b|\bdelete\s+from\b|\b(drop|alter|create|truncate)\s+(table|database|schema)\b|\bexec(ute)?\s*\(|\bxp_cmdshell\b|'\s*or\s+'?\d+'?\s*=\s*'?\d+)`)},
	{AlertXSS, regexp.MustCompile(`(?i)(<\s*script|javascript\s*:|\bon[a-z]+\s*=|<\s*iframe|<\s*object|<\s*embed)`)},
	{AlertPathTraversal, regexp.MustCompile(`(\.\.[/\\])`)},
}

// Inspect returns the alert type of the first pattern s matches.
func Inspect(s string) (string, bool) {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return p.alert, true
		}
	}
	return "", false
}

type GuardConfig struct {
	// MaxInspect bounds how much of the body is inspected.
	MaxInspect int64
	// BruteForcePaths are counted per client for brute-force detection.
	BruteForcePaths []string
}

// Guard is the request-level gate. Blocked clients are refused first;
// requests matching an attack pattern are refused and counted.
type Guard struct {
	detector *Detector
	cfg      GuardConfig
	logger   *slog.Logger
}

func NewGuard(d *Detector, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.MaxInspect <= 0 {
		cfg.MaxInspect = 64 << 10
	}
	return &Guard{
		detector: d,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "guard")),
	}
}

// ClientKey identifies the requester. It expects RemoteAddr to have been
// resolved by a real-IP middleware.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientKey(r)

		if err := g.detector.Check(key); err != nil {
			guardRejections.WithLabelValues("blocked").Inc()
			g.detector.audit.Event(AuditBlockedRequest, key,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			writeForbidden(w, "access denied", "client_blocked")
			return
		}

		body, err := g.peekBody(r)
		if err != nil {
			writeForbidden(w, "unreadable request body", "bad_body")
			return
		}

		if alert, ok := Inspect(inspectable(r, body)); ok {
			guardRejections.WithLabelValues(alert).Inc()
			g.detector.audit.Alert(alert, key, "attack pattern in request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("user_agent", r.UserAgent()),
			)
			g.detector.RecordMalicious(key, alert,
				slog.String("path", r.URL.Path),
				slog.String("user_agent", r.UserAgent()),
			)
			g.logger.Warn("request rejected",
				slog.String("client", key),
				slog.String("reason", alert),
				slog.String("path", r.URL.Path),
			)
			writeForbidden(w, "request rejected", "malicious_request")
			return
		}

		g.detector.RecordRequest(key)
		for _, p := range g.cfg.BruteForcePaths {
			if r.URL.Path == p {
				g.detector.RecordBruteForce(key, p)
				break
			}
		}

		next.ServeHTTP(w, r)
	})
}

// peekBody reads up to MaxInspect bytes and puts them back in front of the
// unread remainder.
func (g *Guard) peekBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxInspect))
	if err != nil {
		return nil, err
	}
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	return buf, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// inspectable joins path, decoded query pairs and body. Query pairs are
// joined with ':' so "key=value" only appears if a value contains it.
func inspectable(r *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString(r.URL.Path)
	for k, vs := range r.URL.Query() {
		for _, v := range vs {
			b.WriteByte('\n')
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(v)
		}
	}
	if len(body) > 0 {
		b.WriteByte('\n')
		b.Write(body)
	}
	return b.String()
}

func writeForbidden(w http.ResponseWriter, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
