// Package reconciliation heals stored transactions whose status columns
// drifted apart, backfills identifiers and processing times, and routes
// anomalies it must not fix to the manual-review list.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/ident"
	"github.com/ratixpay/paycore/internal/payment"
	"github.com/ratixpay/paycore/internal/repository"
)

var ErrRunInProgress = errors.New("reconciliation already running")

// ReconciliationResult summarises a full reconciliation run.
type ReconciliationResult struct {
	Scanned    int       `json:"scanned"`
	Corrected  int       `json:"corrected"`
	Conflicts  int       `json:"conflicts"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Store interface {
	ListBatch(ctx context.Context, after repository.Cursor, limit int) ([]repository.Record, repository.Cursor, error)
	ApplyRepair(ctx context.Context, rec *repository.Record, fix repository.Repair) error
}

type ReviewQueue interface {
	Flag(ctx context.Context, item *domain.ReviewItem) (bool, error)
}

type IDGenerator interface {
	NewTransactionID() string
}

// Service performs reconciliation over the transaction store. Rows are
// corrected one at a time under compare-and-set so a run can overlap live
// traffic.
type Service struct {
	store     Store
	reviews   ReviewQueue
	ids       IDGenerator
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool
}

func NewService(store Store, reviews ReviewQueue, ids IDGenerator, batchSize int, logger *slog.Logger) *Service {
	if ids == nil {
		ids = ident.NewGenerator()
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Service{
		store:     store,
		reviews:   reviews,
		ids:       ids,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "reconciliation")),
		now:       time.Now,
	}
}

// RunFullReconciliation scans every transaction, newest first. A failure on
// one row is logged and counted; the run continues. Only one run executes
// at a time.
func (s *Service) RunFullReconciliation(ctx context.Context) (*ReconciliationResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	result := &ReconciliationResult{StartedAt: s.now()}
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	var cursor repository.Cursor
	for {
		if err := ctx.Err(); err != nil {
			result.FinishedAt = s.now()
			return result, err
		}
		batch, next, err := s.store.ListBatch(ctx, cursor, s.batchSize)
		if err != nil {
			result.FinishedAt = s.now()
			return result, fmt.Errorf("list batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			s.reconcileRow(ctx, &batch[i], result)
		}
		cursor = next
	}

	result.FinishedAt = s.now()
	s.logger.Info("reconciliation finished",
		slog.Int("scanned", result.Scanned),
		slog.Int("corrected", result.Corrected),
		slog.Int("conflicts", result.Conflicts),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// finding is an anomaly the reconciler reports but does not fix.
type finding struct {
	kind     domain.ReviewKind
	severity domain.Severity
	desc     string
}

func (s *Service) reconcileRow(ctx context.Context, rec *repository.Record, result *ReconciliationResult) {
	result.Scanned++
	runAt := s.now()
	fix, findings := s.plan(rec, runAt)

	for _, f := range findings {
		result.Conflicts++
		s.flag(ctx, rec, f, runAt)
	}
	if fix == nil {
		rowsProcessed.WithLabelValues("clean").Inc()
		return
	}

	err := s.store.ApplyRepair(ctx, rec, *fix)
	switch {
	case errors.Is(err, repository.ErrStateChanged):
		// Updated by live traffic since it was read; the next run sees it.
		result.Skipped++
		rowsProcessed.WithLabelValues("skipped").Inc()
		s.logger.Info("row changed during reconciliation", slog.String("id", rec.ID))
	case err != nil:
		result.Failed++
		rowsProcessed.WithLabelValues("failed").Inc()
		s.logger.Warn("repair failed", slog.String("id", rec.ID), slog.Any("error", err))
	default:
		result.Corrected++
		rowsProcessed.WithLabelValues("corrected").Inc()
		s.logger.Info("row corrected",
			slog.String("id", rec.ID),
			slog.String("external_id", coalesce(fix.ExternalID, rec.ExternalID)),
			slog.String("note", fix.Note),
		)
	}
}

// plan works out the repair for one row. The payment status is the
// authority and is never changed.
func (s *Service) plan(rec *repository.Record, runAt time.Time) (*repository.Repair, []finding) {
	var fix repository.Repair
	var changes []string
	var findings []finding

	ps, os := rec.StoredPaymentStatus, rec.StoredStatus

	if !ps.Valid() {
		findings = append(findings, finding{
			kind:     domain.ReviewUnknownStatus,
			severity: severityByAmount(rec.Amount),
			desc:     fmt.Sprintf("unknown payment_status %q with status %q", ps, os),
		})
	} else {
		want := rec.State.OrderStatus()
		if os == domain.OrderRefunded && ps == domain.PaymentApproved {
			// Healed like any other drift; the refund claim still needs a human.
			findings = append(findings, finding{
				kind:     domain.ReviewRefundedApproved,
				severity: domain.SeverityHigh,
				desc:     fmt.Sprintf("approved payment recorded as refunded, status restored to %s", want),
			})
		}
		if !rec.Consistent && os != want {
			fix.Status = &want
			changes = append(changes, fmt.Sprintf("status %s -> %s (payment_status=%s)", displayStatus(os), want, ps))
		}
	}

	if rec.ExternalID == "" || !ident.IsWellFormed(rec.ExternalID) {
		fix.ExternalID = s.ids.NewTransactionID()
		if rec.ExternalID == "" {
			changes = append(changes, "external_id assigned "+fix.ExternalID)
		} else {
			changes = append(changes, fmt.Sprintf("external_id %s replaced by %s", rec.ExternalID, fix.ExternalID))
		}
	}

	if ps.Valid() {
		switch {
		case ps.IsTerminal() && rec.ProcessedAt == nil:
			at := runAt
			fix.ProcessedAt = &at
			changes = append(changes, "processed_at backfilled with run time (approximate)")
		case !ps.IsTerminal() && rec.ProcessedAt != nil:
			findings = append(findings, finding{
				kind:     domain.ReviewProcessedPending,
				severity: domain.SeverityMedium,
				desc:     fmt.Sprintf("pending payment has processed_at %s", rec.ProcessedAt.UTC().Format(time.RFC3339)),
			})
		}
	}

	if len(changes) == 0 {
		return nil, findings
	}
	fix.Note = fmt.Sprintf("[%s] auto-correction: %s", runAt.UTC().Format(time.RFC3339), strings.Join(changes, "; "))
	return &fix, findings
}

func (s *Service) flag(ctx context.Context, rec *repository.Record, f finding, at time.Time) {
	findingsTotal.WithLabelValues(string(f.kind)).Inc()
	if s.reviews == nil {
		return
	}
	created, err := s.reviews.Flag(ctx, &domain.ReviewItem{
		ID:            payment.ReviewID(f.kind, &rec.Transaction),
		Kind:          f.kind,
		TransactionID: rec.ID,
		ExternalID:    rec.ExternalID,
		Severity:      f.severity,
		Description:   f.desc,
		DetectedAt:    at,
	})
	if err != nil {
		s.logger.Warn("review item not stored", slog.String("id", rec.ID), slog.Any("error", err))
		return
	}
	if created {
		s.logger.Warn("anomaly routed to manual review",
			slog.String("id", rec.ID),
			slog.String("kind", string(f.kind)),
			slog.String("description", f.desc),
		)
	}
}

// Start runs reconciliation every interval until ctx is done.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation scheduled", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunFullReconciliation(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("scheduled reconciliation failed", slog.Any("error", err))
			}
		}
	}
}

// severityByAmount grades a finding by the money at stake.
func severityByAmount(amount decimal.Decimal) domain.Severity {
	switch {
	case amount.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		return domain.SeverityCritical
	case amount.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return domain.SeverityHigh
	case amount.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func displayStatus(os domain.OrderStatus) string {
	if os == "" {
		return "(empty)"
	}
	return string(os)
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
