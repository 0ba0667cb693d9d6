package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := InitDB(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newPending(externalID string, createdAt time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		ProductRef: "P1",
		Amount:     decimal.NewFromInt(100),
		Customer:   domain.Customer{Name: "Ana", Phone: "841234567"},
		Method:     domain.MethodMpesa,
		State:      domain.StatePending,
		CreatedAt:  createdAt,
	}
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	if got := rebind(DriverPostgres, q); got != "UPDATE t SET a = $1 WHERE b = $2 AND c = $3" {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := rebind(DriverSQLite, q); got != q {
		t.Errorf("sqlite query must be unchanged, got %q", got)
	}
}

func TestInitDBRejectsUnknownDriver(t *testing.T) {
	if _, err := InitDB("mysql", "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepo(newTestDB(t))

	tx := newPending("RTX@A", time.Now())
	tx.Customer.Email = "ana@example.com"
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByExternalID(ctx, "RTX@A")
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	if got.State != domain.StatePending || !got.Consistent {
		t.Errorf("state = %s consistent=%v", got.State, got.Consistent)
	}
	if got.StoredStatus != domain.OrderAwaitingPayment {
		t.Errorf("stored status = %s", got.StoredStatus)
	}
	if !got.Amount.Equal(decimal.NewFromInt(100)) || got.Customer.Email != "ana@example.com" {
		t.Errorf("round trip lost data: %+v", got.Transaction)
	}

	dup := newPending("RTX@A", time.Now())
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if _, err := repo.GetByExternalID(ctx, "RTX@NOPE"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionStateIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepo(newTestDB(t))
	if err := repo.Create(ctx, newPending("RTX@CAS", time.Now())); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	fee := decimal.NewFromInt(3)
	err := repo.TransitionState(ctx, "RTX@CAS", domain.StatePending, domain.StatePaid, now, Transition{
		GatewayName: "simulated-mpesa", GatewayReference: "SIM-1", Fee: &fee, Note: "approved",
	})
	if err != nil {
		t.Fatalf("pending -> paid: %v", err)
	}

	err = repo.TransitionState(ctx, "RTX@CAS", domain.StatePending, domain.StateRejected, now, Transition{})
	if !errors.Is(err, ErrStateChanged) {
		t.Fatalf("second terminal transition: expected ErrStateChanged, got %v", err)
	}

	got, _ := repo.GetByExternalID(ctx, "RTX@CAS")
	if got.State != domain.StatePaid || got.ProcessedAt == nil || got.GatewayReference != "SIM-1" {
		t.Fatalf("unexpected row %+v", got.Transaction)
	}
	if !got.Fee.Equal(fee) || got.Notes != "approved" {
		t.Errorf("fee=%s notes=%q", got.Fee, got.Notes)
	}

	if err := repo.TransitionState(ctx, "RTX@CAS", domain.StatePaid, domain.StateDelivered, now, Transition{Note: "delivered"}); err != nil {
		t.Fatalf("paid -> delivered: %v", err)
	}
	if err := repo.TransitionState(ctx, "RTX@CAS", domain.StatePaid, domain.StateDelivered, now, Transition{}); !errors.Is(err, ErrStateChanged) {
		t.Fatalf("repeat delivery: expected ErrStateChanged, got %v", err)
	}

	got, _ = repo.GetByExternalID(ctx, "RTX@CAS")
	if got.State != domain.StateDelivered || got.DeliveredAt == nil {
		t.Fatalf("expected delivered row, got %+v", got.Transaction)
	}
	if got.Notes != "approved\ndelivered" {
		t.Errorf("notes = %q", got.Notes)
	}
}

func TestTransitionStateRefusesIllegalStep(t *testing.T) {
	repo := NewTransactionRepo(newTestDB(t))
	err := repo.TransitionState(context.Background(), "RTX@X", domain.StateRejected, domain.StatePaid, time.Now(), Transition{})
	if err == nil || errors.Is(err, ErrStateChanged) {
		t.Fatalf("expected illegal transition error, got %v", err)
	}
}

func TestClaimAttemptLeaseAndLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepo(newTestDB(t))
	if err := repo.Create(ctx, newPending("RTX@L", time.Now())); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	n, err := repo.ClaimAttempt(ctx, "RTX@L", 2, now, now.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("first claim = %d, %v", n, err)
	}
	if _, err := repo.ClaimAttempt(ctx, "RTX@L", 2, now, now.Add(time.Minute)); !errors.Is(err, ErrAttemptInFlight) {
		t.Fatalf("expected ErrAttemptInFlight, got %v", err)
	}

	if err := repo.ReleaseAttempt(ctx, "RTX@L", "timeout"); err != nil {
		t.Fatal(err)
	}
	n, err = repo.ClaimAttempt(ctx, "RTX@L", 2, now, now.Add(time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("second claim = %d, %v", n, err)
	}

	later := now.Add(2 * time.Minute)
	if _, err := repo.ClaimAttempt(ctx, "RTX@L", 2, later, later.Add(time.Minute)); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}

	if err := repo.TransitionState(ctx, "RTX@L", domain.StatePending, domain.StatePaid, now, Transition{}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.ClaimAttempt(ctx, "RTX@L", 5, later, later.Add(time.Minute)); !errors.Is(err, ErrStateChanged) {
		t.Fatalf("claim on approved row: expected ErrStateChanged, got %v", err)
	}
}

func TestListBatchWalksNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepo(newTestDB(t))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := repo.Create(ctx, newPending(fmt.Sprintf("RTX@%d", i), base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	var seen []string
	var cur Cursor
	for {
		batch, next, err := repo.ListBatch(ctx, cur, 2)
		if err != nil {
			t.Fatalf("ListBatch: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			seen = append(seen, r.ExternalID)
		}
		cur = next
	}

	want := "RTX@4,RTX@3,RTX@2,RTX@1,RTX@0"
	if got := strings.Join(seen, ","); got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
}

func TestBulkInsertKeepsLegacyShape(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepo(newTestDB(t))

	legacy := Record{
		Transaction:         *newPending("", time.Now()),
		StoredPaymentStatus: domain.PaymentApproved,
		StoredStatus:        domain.OrderAwaitingPayment,
	}
	n, err := repo.BulkInsert(ctx, []Record{legacy, legacy})
	if err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted %d, want 1 (same id twice)", n)
	}

	batch, _, err := repo.ListBatch(ctx, Cursor{}, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("ListBatch: %v (%d rows)", err, len(batch))
	}
	rec := batch[0]
	if rec.Consistent || rec.State != domain.StatePaid || rec.ExternalID != "" {
		t.Fatalf("legacy row read back as %+v", rec)
	}
}

func TestApplyRepairChecksObservedColumns(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepo(newTestDB(t))

	rec := Record{
		Transaction:         *newPending("RTX@R", time.Now()),
		StoredPaymentStatus: domain.PaymentApproved,
		StoredStatus:        domain.OrderAwaitingPayment,
	}
	if _, err := repo.BulkInsert(ctx, []Record{rec}); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.GetByExternalID(ctx, "RTX@R")

	paid := domain.OrderPaid
	if err := repo.ApplyRepair(ctx, got, Repair{Status: &paid, Note: "fixed"}); err != nil {
		t.Fatalf("ApplyRepair: %v", err)
	}
	// got still describes the pre-repair row.
	if err := repo.ApplyRepair(ctx, got, Repair{Status: &paid, Note: "again"}); !errors.Is(err, ErrStateChanged) {
		t.Fatalf("stale repair: expected ErrStateChanged, got %v", err)
	}

	after, _ := repo.GetByExternalID(ctx, "RTX@R")
	if !after.Consistent || after.StoredStatus != domain.OrderPaid || after.Notes != "fixed" {
		t.Fatalf("unexpected row after repair: %+v", after)
	}
}

func TestReviewFlagDedupAndResolve(t *testing.T) {
	ctx := context.Background()
	repo := NewReviewRepo(newTestDB(t))

	item := &domain.ReviewItem{
		ID: "REV-TERMINAL_CONFLICT-RTX@1", Kind: domain.ReviewTerminalConflict, ExternalID: "RTX@1",
		Severity: domain.SeverityHigh, Description: "approved vs rejected", DetectedAt: time.Now(),
	}
	created, err := repo.Flag(ctx, item)
	if err != nil || !created {
		t.Fatalf("first Flag = %v, %v", created, err)
	}
	created, err = repo.Flag(ctx, item)
	if err != nil || created {
		t.Fatalf("duplicate Flag = %v, %v", created, err)
	}

	items, total, err := repo.List(ctx, ReviewFilter{OpenOnly: true})
	if err != nil || total != 1 || len(items) != 1 {
		t.Fatalf("List open = %d/%d, %v", len(items), total, err)
	}

	if err := repo.Resolve(ctx, item.ID, "ops", time.Now()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := repo.Resolve(ctx, item.ID, "ops", time.Now()); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if err := repo.Resolve(ctx, "missing", "ops", time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, total, _ = repo.List(ctx, ReviewFilter{OpenOnly: true})
	if total != 0 {
		t.Fatalf("open items after resolve = %d", total)
	}
}

func TestProductSeedAndSaleCount(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepo(newTestDB(t))

	n, err := repo.Seed(ctx, []domain.Product{
		{ID: "P1", Name: "Ebook", Price: decimal.NewFromInt(100), Active: true},
		{ID: "P2", Name: "Curso", Price: decimal.NewFromInt(500), Active: false},
	})
	if err != nil || n != 2 {
		t.Fatalf("Seed = %d, %v", n, err)
	}
	if err := repo.IncrementSaleCount(ctx, "P1"); err != nil {
		t.Fatal(err)
	}
	p, err := repo.GetByID(ctx, "P1")
	if err != nil || p.SalesCount != 1 || !p.Active {
		t.Fatalf("GetByID = %+v, %v", p, err)
	}
	if err := repo.IncrementSaleCount(ctx, "P9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChargeLog(t *testing.T) {
	ctx := context.Background()
	repo := NewChargeRepo(newTestDB(t))

	a := &domain.ChargeAttempt{
		ID: uuid.NewString(), ExternalID: "RTX@C", Provider: "simulated-mpesa", Method: domain.MethodMpesa,
		Gross: decimal.NewFromInt(100), Fee: decimal.NewFromInt(3), Net: decimal.NewFromInt(97),
		Outcome: domain.ChargeApproved, AttemptedAt: time.Now(),
	}
	if err := repo.Insert(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := repo.ListByExternalID(ctx, "RTX@C")
	if err != nil || len(got) != 1 || !got[0].Net.Equal(decimal.NewFromInt(97)) {
		t.Fatalf("ListByExternalID = %+v, %v", got, err)
	}
}
