package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/ident"
	"github.com/ratixpay/paycore/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	txns    *repository.TransactionRepo
	reviews *repository.ReviewRepo
	svc     *Service
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	db, err := repository.InitDB(repository.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	f := &fixture{
		txns:    repository.NewTransactionRepo(db),
		reviews: repository.NewReviewRepo(db),
	}
	f.svc = NewService(f.txns, f.reviews, nil, batchSize, testLogger())
	return f
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func legacy(id, externalID string, ps domain.PaymentStatus, os domain.OrderStatus, processed bool, offset int) repository.Record {
	var rec repository.Record
	rec.ID = id
	rec.ExternalID = externalID
	rec.ProductRef = "P1"
	rec.Amount = decimal.NewFromInt(100)
	rec.OriginalAmount = rec.Amount
	rec.Method = domain.MethodMpesa
	rec.Customer.Phone = "841234567"
	rec.CreatedAt = base.Add(time.Duration(offset) * time.Minute)
	if processed {
		at := rec.CreatedAt.Add(time.Minute)
		rec.ProcessedAt = &at
	}
	rec.StoredPaymentStatus = ps
	rec.StoredStatus = os
	return rec
}

func (f *fixture) load(t *testing.T, recs ...repository.Record) {
	t.Helper()
	if _, err := f.txns.BulkInsert(context.Background(), recs); err != nil {
		t.Fatal(err)
	}
}

// all reads every row back through the same scan the job uses.
func (f *fixture) all(t *testing.T) map[string]repository.Record {
	t.Helper()
	out := map[string]repository.Record{}
	var cursor repository.Cursor
	for {
		batch, next, err := f.txns.ListBatch(context.Background(), cursor, 50)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			return out
		}
		for _, r := range batch {
			out[r.ID] = r
		}
		cursor = next
	}
}

func wellFormed(n int) string {
	gen := ident.NewGeneratorWith(func() time.Time { return base.Add(time.Duration(n) * time.Second) }, strings.NewReader(strings.Repeat(fmt.Sprint(n), 64)))
	return gen.NewTransactionID()
}

func TestReconciliationRestoresStatusInvariant(t *testing.T) {
	f := newFixture(t, 2)
	f.load(t,
		legacy("a", wellFormed(1), domain.PaymentApproved, domain.OrderAwaitingPayment, true, 1),
		legacy("b", wellFormed(2), domain.PaymentApproved, domain.OrderCancelled, true, 2),
		legacy("c", wellFormed(3), domain.PaymentRejected, domain.OrderPaid, true, 3),
		legacy("d", wellFormed(4), domain.PaymentCancelled, domain.OrderAwaitingPayment, true, 4),
		legacy("e", wellFormed(5), domain.PaymentPending, domain.OrderPaid, false, 5),
		legacy("f", wellFormed(6), domain.PaymentApproved, domain.OrderDelivered, true, 6),
	)

	res, err := f.svc.RunFullReconciliation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 6 || res.Corrected != 5 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}

	rows := f.all(t)
	for id, r := range rows {
		if !r.Consistent {
			t.Errorf("%s still inconsistent: %s/%s", id, r.StoredPaymentStatus, r.StoredStatus)
		}
		if r.StoredPaymentStatus == domain.PaymentApproved && r.StoredStatus != domain.OrderPaid && r.StoredStatus != domain.OrderDelivered {
			t.Errorf("%s approved with status %s", id, r.StoredStatus)
		}
	}
	if rows["b"].StoredPaymentStatus != domain.PaymentApproved {
		t.Error("approved payment status was changed")
	}
	if !strings.Contains(rows["a"].Notes, "auto-correction: status awaiting_payment -> paid") {
		t.Errorf("audit note = %q", rows["a"].Notes)
	}
	if rows["f"].Notes != "" {
		t.Errorf("consistent row touched: %q", rows["f"].Notes)
	}

	again, err := f.svc.RunFullReconciliation(context.Background())
	if err != nil || again.Corrected != 0 {
		t.Fatalf("second run should be a no-op: %+v, %v", again, err)
	}
}

func TestReconciliationBackfillsIdentifiersAndProcessedAt(t *testing.T) {
	f := newFixture(t, 10)
	good := wellFormed(9)
	f.load(t,
		legacy("missing", "", domain.PaymentPending, domain.OrderAwaitingPayment, false, 1),
		legacy("legacy", "V-2023-0042", domain.PaymentApproved, domain.OrderPaid, true, 2),
		legacy("noproc", good, domain.PaymentRejected, domain.OrderCancelled, false, 3),
	)
	runAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return runAt }

	if _, err := f.svc.RunFullReconciliation(context.Background()); err != nil {
		t.Fatal(err)
	}
	rows := f.all(t)

	for _, id := range []string{"missing", "legacy"} {
		if !ident.IsWellFormed(rows[id].ExternalID) {
			t.Errorf("%s external id %q not well formed", id, rows[id].ExternalID)
		}
	}
	if !strings.Contains(rows["legacy"].Notes, "V-2023-0042") {
		t.Errorf("replaced id not recorded: %q", rows["legacy"].Notes)
	}
	if rows["noproc"].ExternalID != good {
		t.Error("well-formed id was altered")
	}
	p := rows["noproc"].ProcessedAt
	if p == nil || !p.Equal(runAt) {
		t.Errorf("processed_at = %v, want %v", p, runAt)
	}
	if !strings.Contains(rows["noproc"].Notes, "approximate") {
		t.Errorf("backfill not marked approximate: %q", rows["noproc"].Notes)
	}
}

func TestReconciliationFlagsAnomalies(t *testing.T) {
	f := newFixture(t, 10)
	f.load(t,
		legacy("unknown", wellFormed(1), "paid", domain.OrderPaid, true, 1),
		legacy("refund", wellFormed(2), domain.PaymentApproved, domain.OrderRefunded, true, 2),
		legacy("early", wellFormed(3), domain.PaymentPending, domain.OrderAwaitingPayment, true, 3),
	)
	ctx := context.Background()

	res, err := f.svc.RunFullReconciliation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflicts != 3 || res.Corrected != 1 {
		t.Fatalf("result = %+v", res)
	}

	rows := f.all(t)
	if rows["unknown"].StoredPaymentStatus != "paid" || rows["early"].ProcessedAt == nil {
		t.Fatal("flag-only rows were modified")
	}
	refund := rows["refund"]
	if refund.StoredPaymentStatus != domain.PaymentApproved || refund.StoredStatus != domain.OrderPaid {
		t.Fatalf("approved+refunded row not healed: payment_status=%s status=%s", refund.StoredPaymentStatus, refund.StoredStatus)
	}
	if !strings.Contains(refund.Notes, "auto-correction") || !strings.Contains(refund.Notes, "refunded -> paid") {
		t.Errorf("heal not noted: %q", refund.Notes)
	}

	items, total, err := f.reviews.List(ctx, repository.ReviewFilter{})
	if err != nil || total != 3 {
		t.Fatalf("review items = %d, %v", total, err)
	}
	kinds := map[domain.ReviewKind]bool{}
	for _, it := range items {
		kinds[it.Kind] = true
	}
	for _, k := range []domain.ReviewKind{domain.ReviewUnknownStatus, domain.ReviewRefundedApproved, domain.ReviewProcessedPending} {
		if !kinds[k] {
			t.Errorf("missing review item %s", k)
		}
	}

	if _, err := f.svc.RunFullReconciliation(ctx); err != nil {
		t.Fatal(err)
	}
	if _, total, _ := f.reviews.List(ctx, repository.ReviewFilter{}); total != 3 {
		t.Fatalf("rerun duplicated review items: %d", total)
	}
}

// failingStore fails ApplyRepair for selected rows.
type failingStore struct {
	*repository.TransactionRepo
	failIDs map[string]error
}

func (s *failingStore) ApplyRepair(ctx context.Context, rec *repository.Record, fix repository.Repair) error {
	if err, ok := s.failIDs[rec.ID]; ok {
		return err
	}
	return s.TransactionRepo.ApplyRepair(ctx, rec, fix)
}

func TestReconciliationContinuesPastRowFailures(t *testing.T) {
	f := newFixture(t, 1)
	f.load(t,
		legacy("x", wellFormed(1), domain.PaymentApproved, domain.OrderAwaitingPayment, true, 1),
		legacy("y", wellFormed(2), domain.PaymentApproved, domain.OrderAwaitingPayment, true, 2),
		legacy("z", wellFormed(3), domain.PaymentApproved, domain.OrderAwaitingPayment, true, 3),
	)
	store := &failingStore{TransactionRepo: f.txns, failIDs: map[string]error{
		"y": errors.New("disk I/O error"),
		"z": repository.ErrStateChanged,
	}}
	svc := NewService(store, f.reviews, nil, 1, testLogger())

	res, err := svc.RunFullReconciliation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 3 || res.Corrected != 1 || res.Failed != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if f.all(t)["x"].StoredStatus != domain.OrderPaid {
		t.Fatal("row after a failure was not corrected")
	}
}

func TestRepairLosesToConcurrentWrite(t *testing.T) {
	f := newFixture(t, 10)
	id := wellFormed(1)
	f.load(t, legacy("r", id, domain.PaymentApproved, domain.OrderAwaitingPayment, true, 1))
	ctx := context.Background()

	stale, err := f.txns.GetByExternalID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	delivered := domain.OrderDelivered
	if err := f.txns.ApplyRepair(ctx, stale, repository.Repair{Status: &delivered, Note: "operator"}); err != nil {
		t.Fatal(err)
	}

	fix, _ := f.svc.plan(stale, base)
	if err := f.txns.ApplyRepair(ctx, stale, *fix); !errors.Is(err, repository.ErrStateChanged) {
		t.Fatalf("stale repair applied: %v", err)
	}
}

func TestOnlyOneRunAtATime(t *testing.T) {
	f := newFixture(t, 10)
	gate := make(chan struct{})
	entered := make(chan struct{})
	svc := NewService(&blockingStore{TransactionRepo: f.txns, entered: entered, gate: gate}, f.reviews, nil, 10, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.RunFullReconciliation(context.Background())
	}()
	<-entered

	if _, err := svc.RunFullReconciliation(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("concurrent run: %v", err)
	}
	close(gate)
	wg.Wait()

	if _, err := svc.RunFullReconciliation(context.Background()); err != nil {
		t.Fatalf("run after the first finished: %v", err)
	}
}

type blockingStore struct {
	*repository.TransactionRepo
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (s *blockingStore) ListBatch(ctx context.Context, after repository.Cursor, limit int) ([]repository.Record, repository.Cursor, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.gate
	})
	return s.TransactionRepo.ListBatch(ctx, after, limit)
}

func TestSeverityByAmount(t *testing.T) {
	cases := map[int64]domain.Severity{
		50:    domain.SeverityLow,
		100:   domain.SeverityMedium,
		1500:  domain.SeverityHigh,
		50000: domain.SeverityCritical,
	}
	for amount, want := range cases {
		if got := severityByAmount(decimal.NewFromInt(amount)); got != want {
			t.Errorf("severityByAmount(%d) = %s, want %s", amount, got, want)
		}
	}
}
