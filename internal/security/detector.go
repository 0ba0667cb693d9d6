// Package security holds the abuse detector and the request guard that
// runs ahead of payment and auth endpoints.
package security

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Category string

const (
	CategoryLogin      Category = "login"
	CategoryPayment    Category = "payment"
	CategoryMalicious  Category = "malicious"
	CategoryBruteForce Category = "bruteforce"
	CategoryRequests   Category = "requests"
)

// Thresholds are the escalation points per category.
type Thresholds struct {
	FailedLogins   int // block
	FailedPayments int // alert
	MaliciousHits  int // alert
	BruteForce     int // block, per endpoint
	RequestVolume  int // suspicious once exceeded within RequestWindow
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedLogins:   10,
		FailedPayments: 5,
		MaliciousHits:  3,
		BruteForce:     20,
		RequestVolume:  1000,
	}
}

type Config struct {
	Thresholds Thresholds
	// BlockTTL lifts a block after the given duration. Zero keeps blocks
	// until an explicit Unblock or a restart.
	BlockTTL time.Duration
	// Retention is how long an idle counter survives a Sweep.
	Retention time.Duration
	// RequestWindow bounds the request-volume counter.
	RequestWindow time.Duration
	// MaxReasons caps the reasons kept per suspicious client.
	MaxReasons int
}

func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		Retention:     24 * time.Hour,
		RequestWindow: time.Hour,
		MaxReasons:    20,
	}
}

// BlockedClientError is returned for requests from a blocked client.
type BlockedClientError struct {
	ClientKey string
	Reason    string
}

func (e *BlockedClientError) Error() string {
	return fmt.Sprintf("client %s is blocked: %s", e.ClientKey, e.Reason)
}

const shardCount = 32

type counterKey struct {
	category Category
	scope    string
}

type counter struct {
	count       int
	firstAt     time.Time
	lastEventAt time.Time
	reasons     []string
	next        int
}

type block struct {
	reason string
	at     time.Time
	until  time.Time
}

type client struct {
	counters map[counterKey]*counter
	block    *block
}

type shard struct {
	mu      sync.Mutex
	clients map[string]*client
}

// Detector keeps per-client counters in lock-protected shards. Every
// operation on one client runs under that client's shard lock, so a block
// decision is visible to the next IsBlocked call.
type Detector struct {
	cfg    Config
	audit  *Audit
	logger *slog.Logger
	now    func() time.Time
	shards [shardCount]*shard
}

func NewDetector(cfg Config, audit *Audit, logger *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = def.RequestWindow
	}
	if cfg.MaxReasons <= 0 {
		cfg.MaxReasons = def.MaxReasons
	}
	if audit == nil {
		audit = DiscardAudit()
	}
	d := &Detector{
		cfg:    cfg,
		audit:  audit,
		logger: logger.With(slog.String("component", "security")),
		now:    time.Now,
	}
	for i := range d.shards {
		d.shards[i] = &shard{clients: make(map[string]*client)}
	}
	return d
}

func (d *Detector) shardFor(clientKey string) *shard {
	h := fnv.New32a()
	h.Write([]byte(clientKey))
	return d.shards[h.Sum32()%shardCount]
}

// with runs fn on the client's state under its shard lock.
func (d *Detector) with(clientKey string, fn func(c *client, now time.Time)) {
	s := d.shardFor(clientKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientKey]
	if !ok {
		c = &client{counters: make(map[counterKey]*counter)}
		s.clients[clientKey] = c
	}
	fn(c, d.now())
}

func (c *client) bump(key counterKey, now time.Time) *counter {
	ct, ok := c.counters[key]
	if !ok {
		ct = &counter{firstAt: now}
		c.counters[key] = ct
	}
	ct.count++
	ct.lastEventAt = now
	return ct
}

func (ct *counter) addReason(reason string, max int) {
	if len(ct.reasons) < max {
		ct.reasons = append(ct.reasons, reason)
		return
	}
	ct.reasons[ct.next] = reason
	ct.next = (ct.next + 1) % max
}

// ordered returns the reasons oldest first.
func (ct *counter) ordered() []string {
	out := make([]string, 0, len(ct.reasons))
	out = append(out, ct.reasons[ct.next:]...)
	return append(out, ct.reasons[:ct.next]...)
}

// RecordEvent records one event and returns the category's current count.
// A success resets the login and payment counters.
func (d *Detector) RecordEvent(clientKey string, cat Category, success bool) int {
	switch cat {
	case CategoryLogin:
		return d.RecordLogin(clientKey, "", success)
	case CategoryPayment:
		return d.recordPayment(clientKey, success)
	case CategoryMalicious:
		return d.RecordMalicious(clientKey, "UNSPECIFIED")
	case CategoryBruteForce:
		return d.RecordBruteForce(clientKey, "")
	case CategoryRequests:
		return d.RecordRequest(clientKey)
	}
	return 0
}

// RecordLogin counts failed logins and blocks the client at the threshold.
func (d *Detector) RecordLogin(clientKey, username string, success bool) int {
	eventsTotal.WithLabelValues(string(CategoryLogin)).Inc()
	var n int
	var blocked bool
	d.with(clientKey, func(c *client, now time.Time) {
		key := counterKey{category: CategoryLogin}
		if success {
			delete(c.counters, key)
			return
		}
		n = c.bump(key, now).count
		if n >= d.cfg.Thresholds.FailedLogins {
			blocked = d.blockLocked(c, clientKey, "repeated failed logins", now)
		}
	})

	d.audit.Event(AuditLoginAttempt, clientKey,
		slog.String("username", username),
		slog.Bool("success", success),
		slog.Int("attempts", n),
	)
	if n >= d.cfg.Thresholds.FailedLogins {
		d.audit.Alert(AlertLoginBlock, clientKey, "client blocked after repeated failed logins",
			slog.String("username", username),
			slog.Int("attempts", n),
		)
	}
	if blocked {
		d.logBlocked(clientKey, "repeated failed logins")
	}
	return n
}

// RecordPayment counts failed payments; it alerts but never blocks.
func (d *Detector) RecordPayment(clientKey string, success bool) {
	d.recordPayment(clientKey, success)
}

func (d *Detector) recordPayment(clientKey string, success bool) int {
	eventsTotal.WithLabelValues(string(CategoryPayment)).Inc()
	var n int
	d.with(clientKey, func(c *client, now time.Time) {
		key := counterKey{category: CategoryPayment}
		if success {
			delete(c.counters, key)
			return
		}
		n = c.bump(key, now).count
	})

	d.audit.Event(AuditPaymentAttempt, clientKey,
		slog.Bool("success", success),
		slog.Int("attempts", n),
	)
	if n >= d.cfg.Thresholds.FailedPayments {
		d.audit.Alert(AlertPaymentFailures, clientKey, "repeated failed payments",
			slog.Int("attempts", n),
		)
	}
	return n
}

// RecordMalicious counts a malicious-pattern hit with its reason.
func (d *Detector) RecordMalicious(clientKey, reason string, attrs ...slog.Attr) int {
	eventsTotal.WithLabelValues(string(CategoryMalicious)).Inc()
	var n int
	var reasons []string
	d.with(clientKey, func(c *client, now time.Time) {
		ct := c.bump(counterKey{category: CategoryMalicious}, now)
		ct.addReason(reason, d.cfg.MaxReasons)
		n = ct.count
		reasons = ct.ordered()
	})

	d.audit.Event(AuditSuspicious, clientKey,
		append([]slog.Attr{slog.String("reason", reason), slog.Int("count", n)}, attrs...)...)
	if n >= d.cfg.Thresholds.MaliciousHits {
		d.audit.Alert(AlertSuspicious, clientKey, "suspicious activity detected",
			append([]slog.Attr{slog.Any("reasons", reasons), slog.Int("count", n)}, attrs...)...)
	}
	return n
}

// RecordBruteForce counts a hit on a brute-force sensitive endpoint and
// blocks the client at the threshold.
func (d *Detector) RecordBruteForce(clientKey, endpoint string) int {
	eventsTotal.WithLabelValues(string(CategoryBruteForce)).Inc()
	var n int
	var blocked bool
	d.with(clientKey, func(c *client, now time.Time) {
		n = c.bump(counterKey{category: CategoryBruteForce, scope: endpoint}, now).count
		if n >= d.cfg.Thresholds.BruteForce {
			blocked = d.blockLocked(c, clientKey, "brute force on "+endpoint, now)
		}
	})

	d.audit.Event(AuditBruteForce, clientKey, slog.String("endpoint", endpoint), slog.Int("attempts", n))
	if n >= d.cfg.Thresholds.BruteForce {
		d.audit.Alert(AlertBruteForce, clientKey, "brute force attack detected",
			slog.String("endpoint", endpoint),
			slog.Int("attempts", n),
		)
	}
	if blocked {
		d.logBlocked(clientKey, "brute force on "+endpoint)
	}
	return n
}

// RecordRequest counts request volume within the configured window. Each
// closed window is audited with its total, and the first request over the
// threshold in a window is recorded as a malicious hit.
func (d *Detector) RecordRequest(clientKey string) int {
	var n, closed int
	var closedAt time.Time
	d.with(clientKey, func(c *client, now time.Time) {
		key := counterKey{category: CategoryRequests}
		if ct, ok := c.counters[key]; ok && now.Sub(ct.firstAt) > d.cfg.RequestWindow {
			closed, closedAt = ct.count, ct.firstAt
			delete(c.counters, key)
		}
		n = c.bump(key, now).count
	})
	if closed > 0 {
		d.audit.Event(AuditRequestVolume, clientKey,
			slog.Time("window_start", closedAt),
			slog.Int("requests", closed),
		)
	}
	if n == d.cfg.Thresholds.RequestVolume+1 {
		d.audit.Event(AuditRequestVolume, clientKey, slog.Int("requests", n), slog.Bool("over_threshold", true))
		d.audit.Alert(AlertExcessiveRequest, clientKey, "request volume over threshold", slog.Int("requests", n))
		d.RecordMalicious(clientKey, AlertExcessiveRequest)
	}
	return n
}

// Block blocks clientKey until Unblock, or until BlockTTL when configured.
func (d *Detector) Block(clientKey, reason string) {
	var blocked bool
	d.with(clientKey, func(c *client, now time.Time) {
		blocked = d.blockLocked(c, clientKey, reason, now)
	})
	if blocked {
		d.logBlocked(clientKey, reason)
	}
}

// blockLocked reports whether a new block was placed.
func (d *Detector) blockLocked(c *client, clientKey, reason string, now time.Time) bool {
	if c.block != nil {
		return false
	}
	b := &block{reason: reason, at: now}
	if d.cfg.BlockTTL > 0 {
		b.until = now.Add(d.cfg.BlockTTL)
	}
	c.block = b
	blocksTotal.Inc()
	blockedClients.Inc()
	return true
}

func (d *Detector) logBlocked(clientKey, reason string) {
	d.audit.Event(AuditBlocked, clientKey, slog.String("reason", reason))
	d.logger.Warn("client blocked", slog.String("client", clientKey), slog.String("reason", reason))
}

// Unblock lifts a block. It reports whether the client was blocked.
func (d *Detector) Unblock(clientKey, by string) bool {
	var was bool
	d.with(clientKey, func(c *client, _ time.Time) {
		if c.block == nil {
			return
		}
		was = true
		c.block = nil
		blockedClients.Dec()
		// Start the client over; stale counters would re-block on the next event.
		delete(c.counters, counterKey{category: CategoryLogin})
		for k := range c.counters {
			if k.category == CategoryBruteForce {
				delete(c.counters, k)
			}
		}
	})
	if was {
		d.audit.Event(AuditUnblocked, clientKey, slog.String("by", by))
		d.logger.Info("client unblocked", slog.String("client", clientKey), slog.String("by", by))
	}
	return was
}

// IsBlocked reports the current block. An expired TTL block is lifted here
// and logged.
func (d *Detector) IsBlocked(clientKey string) (bool, string) {
	var blocked, expired bool
	var reason string
	d.with(clientKey, func(c *client, now time.Time) {
		if c.block == nil {
			return
		}
		if !c.block.until.IsZero() && !now.Before(c.block.until) {
			reason = c.block.reason
			c.block = nil
			blockedClients.Dec()
			expired = true
			return
		}
		blocked, reason = true, c.block.reason
	})
	if expired {
		d.audit.Event(AuditBlockExpired, clientKey, slog.String("reason", reason))
	}
	return blocked, reason
}

// Check returns a BlockedClientError when clientKey is blocked.
func (d *Detector) Check(clientKey string) error {
	if blocked, reason := d.IsBlocked(clientKey); blocked {
		return &BlockedClientError{ClientKey: clientKey, Reason: reason}
	}
	return nil
}

// Sweep drops counters idle longer than the retention window and forgets
// clients with nothing left. Blocks are never dropped here.
func (d *Detector) Sweep() int {
	cutoff := d.now().Add(-d.cfg.Retention)
	removed := 0
	for _, s := range d.shards {
		s.mu.Lock()
		for key, c := range s.clients {
			for k, ct := range c.counters {
				if ct.lastEventAt.Before(cutoff) {
					delete(c.counters, k)
					removed++
				}
			}
			if len(c.counters) == 0 && c.block == nil {
				delete(s.clients, key)
			}
		}
		s.mu.Unlock()
	}
	d.audit.Event(AuditCleanup, "", slog.Int("removed", removed))
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (d *Detector) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if n := d.Sweep(); n > 0 {
				d.logger.Info("expired counters removed", slog.Int("removed", n))
			}
		}
	}
}

type BlockedClient struct {
	ClientKey string     `json:"client_key"`
	Reason    string     `json:"reason"`
	BlockedAt time.Time  `json:"blocked_at"`
	Until     *time.Time `json:"until,omitempty"`
}

type SuspiciousClient struct {
	ClientKey   string    `json:"client_key"`
	Count       int       `json:"count"`
	Reasons     []string  `json:"reasons"`
	LastEventAt time.Time `json:"last_event_at"`
}

type CounterSnapshot struct {
	ClientKey   string    `json:"client_key"`
	Category    Category  `json:"category"`
	Scope       string    `json:"scope,omitempty"`
	Count       int       `json:"count"`
	LastEventAt time.Time `json:"last_event_at"`
}

type ReportSummary struct {
	BlockedClients    int `json:"blocked_clients"`
	SuspiciousClients int `json:"suspicious_clients"`
	Counters          int `json:"counters"`
}

type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Blocked     []BlockedClient    `json:"blocked"`
	Suspicious  []SuspiciousClient `json:"suspicious"`
	Counters    []CounterSnapshot  `json:"counters"`
	Summary     ReportSummary      `json:"summary"`
}

// Report snapshots blocks, suspicious clients and failure counters. The
// request-volume counters are omitted.
func (d *Detector) Report() Report {
	r := Report{
		GeneratedAt: d.now(),
		Blocked:     []BlockedClient{},
		Suspicious:  []SuspiciousClient{},
		Counters:    []CounterSnapshot{},
	}
	for _, s := range d.shards {
		s.mu.Lock()
		for key, c := range s.clients {
			if c.block != nil {
				b := BlockedClient{ClientKey: key, Reason: c.block.reason, BlockedAt: c.block.at}
				if !c.block.until.IsZero() {
					until := c.block.until
					b.Until = &until
				}
				r.Blocked = append(r.Blocked, b)
			}
			for k, ct := range c.counters {
				switch k.category {
				case CategoryRequests:
					continue
				case CategoryMalicious:
					r.Suspicious = append(r.Suspicious, SuspiciousClient{
						ClientKey: key, Count: ct.count, Reasons: ct.ordered(), LastEventAt: ct.lastEventAt,
					})
				default:
					r.Counters = append(r.Counters, CounterSnapshot{
						ClientKey: key, Category: k.category, Scope: k.scope, Count: ct.count, LastEventAt: ct.lastEventAt,
					})
				}
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(r.Blocked, func(i, j int) bool { return r.Blocked[i].ClientKey < r.Blocked[j].ClientKey })
	sort.Slice(r.Suspicious, func(i, j int) bool { return r.Suspicious[i].Count > r.Suspicious[j].Count })
	sort.Slice(r.Counters, func(i, j int) bool {
		if r.Counters[i].ClientKey != r.Counters[j].ClientKey {
			return r.Counters[i].ClientKey < r.Counters[j].ClientKey
		}
		return r.Counters[i].Category < r.Counters[j].Category
	})
	r.Summary = ReportSummary{
		BlockedClients:    len(r.Blocked),
		SuspiciousClients: len(r.Suspicious),
		Counters:          len(r.Counters),
	}
	return r
}
