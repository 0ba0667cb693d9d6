package security

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Audit type names written to the security and alert logs.
const (
	AuditLoginAttempt     = "LOGIN_ATTEMPT"
	AuditPaymentAttempt   = "PAYMENT_ATTEMPT"
	AuditSuspicious       = "SUSPICIOUS_REQUEST"
	AuditBruteForce       = "BRUTE_FORCE_ATTEMPT"
	AuditBlocked          = "IP_BLOCKED"
	AuditUnblocked        = "IP_UNBLOCKED"
	AuditBlockExpired     = "BLOCK_EXPIRED"
	AuditBlockedRequest   = "BLOCKED_REQUEST"
	AuditCleanup          = "CLEANUP"
	AuditRequestVolume    = "REQUEST_VOLUME"
	AlertLoginBlock       = "LOGIN_ATTEMPT_BLOCK"
	AlertPaymentFailures  = "PAYMENT_ATTEMPT_ALERT"
	AlertSuspicious       = "SUSPICIOUS_ACTIVITY"
	AlertBruteForce       = "BRUTE_FORCE_ATTEMPT"
	AlertSQLInjection     = "SQL_INJECTION_ATTEMPT"
	AlertXSS              = "XSS_ATTEMPT"
	AlertPathTraversal    = "PATH_TRAVERSAL_ATTEMPT"
	AlertExcessiveRequest = "EXCESSIVE_REQUESTS"
)

// Audit is the append-only forensic trail. Events and alerts go to separate
// streams, one JSON object per line, each with time, type, client and
// payload. It is independent of the in-memory counters so a restart does
// not erase the record.
type Audit struct {
	events *slog.Logger
	alerts *slog.Logger
	app    *slog.Logger

	mu      sync.Mutex
	closers []io.Closer
}

// NewAudit writes events and alerts to the given writers. app, if non-nil,
// also receives every alert at error level.
func NewAudit(events, alerts io.Writer, app *slog.Logger) *Audit {
	return &Audit{
		events: slog.New(slog.NewJSONHandler(events, nil)),
		alerts: slog.New(slog.NewJSONHandler(alerts, nil)),
		app:    app,
	}
}

// OpenAudit opens security.log and alerts.log under dir in append mode.
func OpenAudit(dir string, app *slog.Logger) (*Audit, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	events, err := openAppend(filepath.Join(dir, "security.log"))
	if err != nil {
		return nil, err
	}
	alerts, err := openAppend(filepath.Join(dir, "alerts.log"))
	if err != nil {
		events.Close()
		return nil, err
	}
	a := NewAudit(events, alerts, app)
	a.closers = []io.Closer{events, alerts}
	return a, nil
}

// DiscardAudit drops every record. Used by tests and tools that do not
// serve traffic.
func DiscardAudit() *Audit {
	return NewAudit(io.Discard, io.Discard, nil)
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return f, nil
}

func (a *Audit) Event(typ, clientKey string, attrs ...slog.Attr) {
	a.events.LogAttrs(context.Background(), slog.LevelInfo, typ, withClient(clientKey, attrs)...)
}

func (a *Audit) Alert(typ, clientKey, message string, attrs ...slog.Attr) {
	alertsTotal.WithLabelValues(typ).Inc()
	all := withClient(clientKey, append(attrs, slog.String("message", message)))
	a.alerts.LogAttrs(context.Background(), slog.LevelWarn, typ, all...)
	if a.app != nil {
		a.app.LogAttrs(context.Background(), slog.LevelError, "security alert",
			append([]slog.Attr{slog.String("type", typ)}, all...)...)
	}
}

func (a *Audit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func withClient(clientKey string, attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs)+1)
	out = append(out, slog.String("client", clientKey))
	return append(out, attrs...)
}
